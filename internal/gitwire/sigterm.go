// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gitwire

import (
	"context"
	"os"
	"os/exec"
)

// runGraceful starts c and waits for it to finish. If ctx is canceled before
// the process exits, the process is sent os.Interrupt (SIGINT on Unix)
// rather than being killed, so that the git subprocess can clean up its lock
// files.
func runGraceful(ctx context.Context, c *exec.Cmd) error {
	wait, err := startGraceful(ctx, c)
	if err != nil {
		return err
	}
	return wait()
}

func startGraceful(ctx context.Context, c *exec.Cmd) (wait func() error, err error) {
	if err := c.Start(); err != nil {
		return nil, err
	}
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			terminate(c.Process)
		case <-waitDone:
		}
	}()
	return func() error {
		defer close(waitDone)
		return c.Wait()
	}, nil
}

func terminate(p *os.Process) {
	if p == nil {
		return
	}
	p.Signal(os.Interrupt)
}
