// Command api serves the student forum over HTTP.
package main

func main() {
	startWithDig()
}
