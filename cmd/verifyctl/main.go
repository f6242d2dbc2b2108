// Command verifyctl runs verifications and identity lookups against the
// configured chain from a terminal.
package main

func main() {
	Execute()
}
