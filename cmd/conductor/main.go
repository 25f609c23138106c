// Package main is the entry point for the bumblebee conductor.
//
// The conductor brings up the bumblebee deployment: it gates startup on the
// stateful dependencies (Postgres, Redis), runs schema migrations exactly
// once per deployment generation, and hosts the application server, the
// recurring-job scheduler, and the background worker pool.
package main

func main() {
	Execute()
}
