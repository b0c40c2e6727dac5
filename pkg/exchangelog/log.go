package exchangelog

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// Record is one validated message exchange, as appended to the log
type Record struct {
	Topic                     string  `csv:"topic"`
	DeviceID                  string  `csv:"device_id"`
	MessageID                 string  `csv:"message_id"`
	MessageContent            string  `csv:"message_content"`
	Timestamp                 string  `csv:"timestamp"`
	ReceivedTimestamp         string  `csv:"received_timestamp"`
	PayloadSize               int     `csv:"payload_size"`
	SyntheticLatency          float64 `csv:"synthetic_latency"`
	Latency                   float64 `csv:"latency"`
	AvgSpeed                  float64 `csv:"avg_speed"`
	OffloadingLayerIndex      string  `csv:"offloading_layer_index"`
	LayerOutput               string  `csv:"layer_output"`
	DeviceLayersInferenceTime string  `csv:"device_layers_inference_time"`
}

// Log is an append-only sink of exchanges
type Log interface {
	Append(record *Record) error
	List() ([]*Record, error)
}

// CSVLog appends records to a single CSV file, writing the header once
type CSVLog struct {
	path string
	mu   sync.Mutex
}

// NewCSVLog creates a CSVLog, creating the parent directory if needed
func NewCSVLog(path string) (*CSVLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create exchange log directory")
	}
	return &CSVLog{path: path}, nil
}

// Path returns the log file path
func (l *CSVLog) Path() string {
	return l.path
}

// Append writes one row
func (l *CSVLog) Append(record *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	writeHeader := true
	if info, err := os.Stat(l.path); err == nil && info.Size() > 0 {
		writeHeader = false
	}

	file, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return errors.Wrap(err, "failed to open exchange log")
	}
	defer file.Close()

	rows := []*Record{record}
	if writeHeader {
		err = gocsv.Marshal(rows, file)
	} else {
		err = gocsv.MarshalWithoutHeaders(rows, file)
	}
	return errors.Wrap(err, "failed to append exchange record")
}

// List reads every row back
func (l *CSVLog) List() ([]*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to open exchange log")
	}
	defer file.Close()

	var records []*Record
	if err := gocsv.UnmarshalFile(file, &records); err != nil {
		return nil, errors.Wrap(err, "failed to read exchange log")
	}
	return records, nil
}
