// Command meterd runs the usage accounting service.
package main

func main() {
	Execute()
}
