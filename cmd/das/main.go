// Command das runs one process of the perfect-link or FIFO-broadcast
// exercise, as selected by its config file.
package main

import "os"

func main() {
	os.Exit(Execute())
}
