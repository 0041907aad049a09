//go:build !tinygo

package main

// The firmware entry point is in main.go (TinyGo only). This stub keeps the
// package buildable with the regular Go toolchain for tests and vet.
func main() {
	println("dimmer firmware: build with tinygo -target=pico2-w -scheduler=tasks")
	println("run cmd/devsim to simulate the device on this machine")
}
