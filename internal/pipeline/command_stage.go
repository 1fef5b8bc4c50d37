package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"
)

const maxStageStderr = 4096

// CommandStage runs argv as a stage. The process receives the state as JSON
// on stdin and must print a JSON object with its partial update on stdout.
func CommandStage(argv []string, env map[string]string) StageFunc {
	argv = append([]string(nil), argv...)
	return func(ctx context.Context, state State) (State, error) {
		if len(argv) == 0 {
			return nil, fmt.Errorf("stage command is empty")
		}
		input, err := json.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("encode state: %w", err)
		}
		proc, err := StartProcess(ctx, ProcessConfig{
			Command: argv[0],
			Args:    argv[1:],
			Env:     env,
			Stdin:   bytes.NewReader(input),
		})
		if err != nil {
			return nil, err
		}

		var stdout bytes.Buffer
		stderr := &tailBuffer{limit: maxStageStderr}
		var g errgroup.Group
		g.Go(func() error {
			_, err := io.Copy(&stdout, proc.Stdout())
			return err
		})
		g.Go(func() error {
			_, err := io.Copy(stderr, proc.Stderr())
			return err
		})
		copyErr := g.Wait()
		code, waitErr := proc.Wait()

		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case waitErr != nil:
			return nil, waitErr
		case code != 0:
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return nil, fmt.Errorf("exit status %d: %s", code, msg)
			}
			return nil, fmt.Errorf("exit status %d", code)
		case copyErr != nil:
			return nil, fmt.Errorf("read stage output: %w", copyErr)
		}

		out := bytes.TrimSpace(stdout.Bytes())
		if len(out) == 0 {
			return State{}, nil
		}
		var update State
		if err := json.Unmarshal(out, &update); err != nil {
			return nil, fmt.Errorf("decode stage output: %w", err)
		}
		return update, nil
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
