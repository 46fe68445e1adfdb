//
// Copyright 2022-2023 The syscalld authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lxcns/syscalld/policy"
	"github.com/lxcns/syscalld/process"
	"github.com/lxcns/syscalld/seccomp"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const (
	usage = `syscall emulation daemon

syscalld is a privileged daemon that emulates an allow-list of syscalls
(device-node creation, disk-quota control) on behalf of unprivileged
containers, via seccomp user-space notifications.
`

	defaultSockAddr = "/run/syscalld/syscalld.sock"
)

// Globals to be populated at build time during Makefile processing.
var (
	version  string // extracted from VERSION file
	commitId string // latest git commit-id
	builtAt  string // build time
	builtBy  string // build owner
)

// syscalld exit handler goroutine.
func exitHandler(signalChan chan os.Signal, sms *seccomp.SyscallMonitorService) {

	s := <-signalChan
	logrus.Warnf("Caught OS signal: %s", s)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	sms.Shutdown()

	logrus.Info("Exiting.")
	os.Exit(0)
}

// profileInit starts cpu or memory profiling when requested through the
// cli.
func profileInit(kind string) (interface{ Stop() }, error) {

	switch kind {
	case "":
		return nil, nil
	case "cpu":
		return profile.Start(profile.CPUProfile, profile.ProfilePath(".")), nil
	case "mem":
		return profile.Start(profile.MemProfile, profile.ProfilePath(".")), nil
	}

	return nil, fmt.Errorf("unsupported profile option %q", kind)
}

func main() {

	app := cli.NewApp()
	app.Name = "syscalld"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "socket",
			Value: defaultSockAddr,
			Usage: "notify-channel handoff socket location",
		},
		cli.StringFlag{
			Name:  "policy-file",
			Value: "",
			Usage: "device / syscall allow-list file (yaml); built-in defaults when unset",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "/dev/stdout",
			Usage: "log file path",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.BoolFlag{
			Name:  "systemd-notify",
			Usage: "signal readiness to systemd once the handoff socket is up",
		},
		cli.StringFlag{
			Name:  "profile",
			Value: "",
			Usage: "enable profiling (cpu | mem)",
		},
	}

	// show-version specialization.
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("syscalld\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n"+
			"\tbuilt at: \t%s\n"+
			"\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	// Define 'debug' and 'log' settings.
	app.Before = func(ctx *cli.Context) error {

		// Create/set the log-file destination.
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(
				path,
				os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC,
				0666,
			)
			if err != nil {
				logrus.Fatalf(
					"Error opening log file %v: %v. Exiting ...",
					path, err,
				)
				return err
			}

			// Set a proper logging formatter.
			logrus.SetFormatter(&logrus.TextFormatter{
				ForceColors:     true,
				TimestampFormat: "2006-01-02 15:04:05",
				FullTimestamp:   true,
			})
			logrus.SetOutput(f)
			log.SetOutput(f)
		}

		// Set desired log-level.
		if logLevel := ctx.GlobalString("log-level"); logLevel != "" {
			switch logLevel {
			case "debug":
				logrus.SetLevel(logrus.DebugLevel)
			case "info":
				logrus.SetLevel(logrus.InfoLevel)
			case "warning":
				logrus.SetLevel(logrus.WarnLevel)
			case "error":
				logrus.SetLevel(logrus.ErrorLevel)
			case "fatal":
				logrus.SetLevel(logrus.FatalLevel)
			default:
				logrus.Fatalf(
					"log-level option '%v' not recognized. Exiting ...",
					logLevel,
				)
			}
		} else {
			// Set 'info' as our default log-level.
			logrus.SetLevel(logrus.InfoLevel)
		}

		return nil
	}

	// syscalld main-loop execution.
	app.Action = func(ctx *cli.Context) error {

		prof, err := profileInit(ctx.GlobalString("profile"))
		if err != nil {
			logrus.Fatal(err)
		}
		if prof != nil {
			defer prof.Stop()
		}

		// Initialize syscalld's services.

		var processService = process.NewProcessService()

		pol, err := policy.Load(ctx.GlobalString("policy-file"))
		if err != nil {
			logrus.Fatalf("Policy initialization error: %v. Exiting ...", err)
		}

		var syscallMonitorService = seccomp.NewSyscallMonitorService()

		if err := syscallMonitorService.Setup(
			processService,
			pol,
			ctx.GlobalString("socket"),
		); err != nil {
			logrus.Fatalf("syscallMonitorService initialization error: %v. Exiting ...", err)
		}

		// Launch exit handler (performs proper cleanup upon receiving
		// termination signals).
		var exitChan = make(chan os.Signal, 1)
		signal.Notify(
			exitChan,
			syscall.SIGHUP,
			syscall.SIGINT,
			syscall.SIGTERM,
			syscall.SIGQUIT)
		go exitHandler(exitChan, syscallMonitorService)

		if ctx.GlobalBool("systemd-notify") {
			if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				logrus.Warnf("Failed to notify systemd of readiness: %v", err)
			}
		}

		logrus.Infof("Listening for notify-channel handoffs on %s",
			ctx.GlobalString("socket"))

		// Channel sessions run on their own goroutines; nothing left to do
		// here.
		select {}
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Panic(err)
	}
}
