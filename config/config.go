// Package config parses the run-mode config file. The first line
// distinguishes the mode by how many integers it carries:
// "<m> <receiver_id>" for perfect-link, "<m>" for FIFO broadcast, or
// "<p> <vs> <ds>" followed by p lines for lattice-agreement.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Mode identifies which of the three run modes a config file selects.
type Mode int

const (
	// PerfectLink: originator sends seqs 1..M to ReceiverID; ReceiverID
	// only receives.
	PerfectLink Mode = iota
	// FIFOBroadcast: every process broadcasts seqs 1..M.
	FIFOBroadcast
	// LatticeAgreement is parsed but not executed by this module.
	LatticeAgreement
)

// PerfectLinkConfig holds the "<m> <receiver_id>" parameters.
type PerfectLinkConfig struct {
	M          uint32
	ReceiverID uint32
}

// FIFOBroadcastConfig holds the "<m>" parameter.
type FIFOBroadcastConfig struct {
	M uint32
}

// LatticeAgreementConfig holds the "<p> <vs> <ds>" header plus p
// proposal-set lines. Not executed; parsed so the CLI fails loudly on a
// malformed lattice config rather than silently misreading it as some
// other mode.
type LatticeAgreementConfig struct {
	Proposals      uint32
	MaxValues      uint32
	DistinctValues uint32
	ProposalSets   [][]uint32
}

// Config is the parsed config file; exactly one of the typed configs
// below is meaningful, selected by Mode.
type Config struct {
	Mode          Mode
	PerfectLink   PerfectLinkConfig
	FIFOBroadcast FIFOBroadcastConfig
	Lattice       LatticeAgreementConfig
}

// Parse reads and classifies the config file at path.
func Parse(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return Config{}, fmt.Errorf("config: %s: empty file", path)
	}
	first := strings.Fields(scanner.Text())

	switch len(first) {
	case 1:
		m, err := parseUint32(first[0])
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: bad m %q: %w", path, first[0], err)
		}
		return Config{Mode: FIFOBroadcast, FIFOBroadcast: FIFOBroadcastConfig{M: m}}, nil

	case 2:
		m, err := parseUint32(first[0])
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: bad m %q: %w", path, first[0], err)
		}
		receiver, err := parseUint32(first[1])
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: bad receiver id %q: %w", path, first[1], err)
		}
		return Config{Mode: PerfectLink, PerfectLink: PerfectLinkConfig{M: m, ReceiverID: receiver}}, nil

	case 3:
		p, err := parseUint32(first[0])
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: bad p %q: %w", path, first[0], err)
		}
		vs, err := parseUint32(first[1])
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: bad vs %q: %w", path, first[1], err)
		}
		ds, err := parseUint32(first[2])
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: bad ds %q: %w", path, first[2], err)
		}

		lattice := LatticeAgreementConfig{Proposals: p, MaxValues: vs, DistinctValues: ds}
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			fields := strings.Fields(line)
			set := make([]uint32, 0, len(fields))
			for _, f := range fields {
				v, err := parseUint32(f)
				if err != nil {
					return Config{}, fmt.Errorf("config: %s: bad proposal value %q: %w", path, f, err)
				}
				set = append(set, v)
			}
			lattice.ProposalSets = append(lattice.ProposalSets, set)
		}
		if err := scanner.Err(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		return Config{Mode: LatticeAgreement, Lattice: lattice}, nil

	default:
		return Config{}, fmt.Errorf("config: %s: first line has %d fields, expected 1-3", path, len(first))
	}
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
