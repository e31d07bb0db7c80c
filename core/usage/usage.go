package usage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/reprozip/reprozip/core/fsx"
	schemausage "github.com/reprozip/reprozip/core/schema/v1/usage"
	"github.com/reprozip/reprozip/core/schema/validate"
)

// EnvPath names the JSONL file usage events are appended to. Logging is
// off when it is unset.
const EnvPath = "REPROZIP_USAGE_LOG"

const maxLineBytes = 1024 * 1024

func NewEvent(program, command string, exitCode int, errorCode string, elapsed time.Duration, producerVersion string, now time.Time) schemausage.Event {
	createdAt := now.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if elapsed < 0 {
		elapsed = 0
	}
	command = strings.TrimSpace(command)
	if command == "" {
		command = "unknown"
	}
	producerVersion = strings.TrimSpace(producerVersion)
	if producerVersion == "" {
		producerVersion = "0.0.0-dev"
	}
	return schemausage.Event{
		SchemaID:        schemausage.EventSchemaID,
		SchemaVersion:   schemausage.EventSchemaVersion,
		CreatedAt:       createdAt,
		ProducerVersion: producerVersion,
		Program:         program,
		Command:         command,
		Success:         exitCode == 0,
		ExitCode:        exitCode,
		ElapsedMS:       elapsed.Milliseconds(),
		ErrorCode:       errorCode,
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
	}
}

// Append validates event and writes it as one line of path.
func Append(path string, event schemausage.Event) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("usage log path is required")
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}
	if err := validate.ValidateJSON(schemausage.EventSchema, encoded); err != nil {
		return fmt.Errorf("validate usage event: %w", err)
	}
	if err := fsx.AppendLineLocked(path, encoded, 0o600); err != nil {
		return fmt.Errorf("append usage log: %w", err)
	}
	return nil
}

// Record appends to the log named by REPROZIP_USAGE_LOG, if any.
func Record(event schemausage.Event) error {
	path := strings.TrimSpace(os.Getenv(EnvPath))
	if path == "" {
		return nil
	}
	return Append(path, event)
}

func Load(path string) ([]schemausage.Event, error) {
	// #nosec G304 -- usage log path is explicit local user input.
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open usage log: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	var events []schemausage.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var event schemausage.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("parse usage log line %d: %w", line, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan usage log: %w", err)
	}
	return events, nil
}
