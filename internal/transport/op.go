// Package transport wires the storage engine to the outside world: the
// TCP line protocol and the HTTP REST adapter of spec.md §6.
package transport

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/odinkv/kvsvrd/internal/command"
	"github.com/odinkv/kvsvrd/internal/store"
)

// opTimeout bounds how long a single OP invocation may run. The
// original's executeOperation (_examples/original_source/systemExec.c)
// has no such bound — a hung child process pins a forked process
// forever; a goroutine with no timeout would pin this process's single
// address space instead, which is worse, so kvsvrd adds one.
const opTimeout = 5 * time.Second

// OpExecutor implements the OP command: read the value stored at key,
// pipe it as stdin to the shell command named by value, and store
// whatever the command writes to stdout back at key. Grounded on
// systemExec.c's eventCommandOperation/executeOperation, with fork +
// pipe + dup2 replaced by exec.CommandContext's Stdin/Stdout plumbing.
type OpExecutor struct {
	store   *store.Store
	limiter *rate.Limiter
	enabled bool
}

// NewOpExecutor builds an executor. enabled corresponds to spec.md
// §6's enable_op_executor configuration flag; ratePerSec <= 0 disables
// rate limiting. kvsvrd defaults enable_op_executor to false — OP
// grants arbitrary shell execution to any client that can open a TCP
// connection, and a responsible default ships it off.
func NewOpExecutor(s *store.Store, enabled bool, ratePerSec int) *OpExecutor {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return &OpExecutor{store: s, limiter: limiter, enabled: enabled}
}

// RegisterCommands wires OP into table for client.
func (o *OpExecutor) RegisterCommands(table *command.Table, client *store.ClientContext) {
	table.Register("OP", 2, false, func(cmd *command.Command) {
		o.handle(cmd, client)
	})
}

func (o *OpExecutor) handle(cmd *command.Command, client *store.ClientContext) {
	if !o.enabled {
		cmd.ResponseMessage = "op_failed"
		return
	}
	if o.limiter != nil && !o.limiter.Allow() {
		cmd.ResponseMessage = "op_failed"
		return
	}

	key := cmd.Key
	operation := cmd.Value

	input, _ := o.store.GetValue(client, key)

	output, ok := o.run(operation, input)
	if ok {
		cmd.ResponseMessage = "op_successful"
	} else {
		cmd.ResponseMessage = "op_failed"
	}

	if strings.TrimSpace(output) != "" {
		o.store.PutValue(client, key, strings.TrimSpace(output))
	}
}

func (o *OpExecutor) run(operation, input string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", operation)
	cmd.Stdin = strings.NewReader(input)

	var out bytes.Buffer
	cmd.Stdout = &out

	err := cmd.Run()
	return out.String(), err == nil
}
