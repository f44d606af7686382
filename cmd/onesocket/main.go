// Copyright (c) 2026 Ilya Maximets <i.maximets@ovn.org>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command onesocket runs the socketpair rendezvous broker: a single
// listening Unix domain socket on which anonymous peers request to be
// paired by key, each receiving one end of a freshly allocated connected
// socket pair.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/igsilya/one-socket/internal/broker"
)

const defaultSocketPath = "/var/run/one.socket"

func socketPath(log *logrus.Logger) string {
	path := os.Getenv("ONE_SOCKET_PATH")
	if path == "" {
		return defaultSocketPath
	}
	if len(path) > unix.PathMax {
		log.WithField("path", path).Warnf(
			"ONE_SOCKET_PATH exceeds PATH_MAX (%d), falling back to %s",
			unix.PathMax, defaultSocketPath)
		return defaultSocketPath
	}
	return path
}

func main() {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	path := socketPath(log)

	h, err := broker.Launch(broker.Config{
		SocketPath: path,
		WorkerID:   0,
		Logger:     log,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to start broker")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		s := <-sig
		log.WithField("signal", s).Info("shutting down")
		if err := h.Shutdown(); err != nil {
			log.WithError(err).Error("failed to request shutdown")
		}
	}()

	if err := h.Join(); err != nil {
		log.WithError(err).Fatal("broker exited with error")
	}
}
