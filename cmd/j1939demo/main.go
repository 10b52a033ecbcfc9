// Command j1939demo exercises the full stack — directory, claimer,
// network manager, transport engine, and connection — over an in-memory
// loopback bus, so the protocol can be observed without real CAN hardware.
package main

func main() {
	Execute()
}
