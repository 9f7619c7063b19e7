// Package profiling wires optional CPU and memory pprof capture behind
// command-line flags; transport- and signalling-agnostic, so it plugs
// straight into cmd/sfud unchanged in purpose from the teacher.
package profiling

import (
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

// InitCPUProfiling starts CPU profiling into the file at cpuProfile and
// returns a function that stops it and closes the file.
func InitCPUProfiling(cpuProfile *string) func() {
	logrus.Info("initializing CPU profiling")

	file, err := os.Create(*cpuProfile)
	if err != nil {
		logrus.WithError(err).Fatal("could not create CPU profile")
	}

	if err := pprof.StartCPUProfile(file); err != nil {
		logrus.WithError(err).Fatal("could not start CPU profile")
	}

	return func() {
		pprof.StopCPUProfile()

		if err := file.Close(); err != nil {
			logrus.WithError(err).Fatal("could not close CPU profile")
		}
	}
}

// InitMemoryProfiling returns a function that forces a GC and writes a
// heap profile to the file at memProfile; the write is deferred to
// process exit since a meaningful heap snapshot wants the steady state.
func InitMemoryProfiling(memProfile *string) func() {
	logrus.Info("initializing memory profiling")

	return func() {
		file, err := os.Create(*memProfile)
		if err != nil {
			logrus.WithError(err).Fatal("could not create memory profile")
		}

		runtime.GC()

		if err := pprof.WriteHeapProfile(file); err != nil {
			logrus.WithError(err).Fatal("could not write memory profile")
		}

		if err = file.Close(); err != nil {
			logrus.WithError(err).Fatal("could not close memory profile")
		}
	}
}
