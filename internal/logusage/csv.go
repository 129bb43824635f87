package logusage

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

var csvHeader = []string{
	"request_received_utc",
	"client",
	"is_streaming",
	"prompt_tokens",
	"completion_tokens",
	"total_tokens",
	"aoai_roundtrip_time_ms",
	"aoai_region",
	"aoai_endpoint_name",
	"aoai_virtual_deployment",
	"aoai_standin_deployment",
}

// CSVSink appends usage records to a CSV file, writing the header when the
// file is created.
type CSVSink struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// NewCSVSink opens (or creates) the CSV file at path in append mode.
func NewCSVSink(path string) (*CSVSink, error) {
	info, statErr := os.Stat(path)
	isNew := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logusage: open %s: %w", path, err)
	}

	s := &CSVSink{file: f, w: csv.NewWriter(f)}
	if isNew {
		if err := s.w.Write(csvHeader); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("logusage: write header: %w", err)
		}
		s.w.Flush()
	}
	return s, nil
}

func (s *CSVSink) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := []string{
		rec.RequestReceivedUTC.UTC().Format(time.RFC3339),
		rec.Client,
		strconv.FormatBool(rec.IsStreaming),
		strconv.Itoa(rec.PromptTokens),
		strconv.Itoa(rec.CompletionTokens),
		strconv.Itoa(rec.TotalTokens),
		strconv.FormatInt(rec.RoundtripMS, 10),
		rec.Region,
		rec.EndpointName,
		rec.VirtualDeployment,
		rec.StandinDeployment,
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("logusage: append: %w", err)
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.file.Close()
}
