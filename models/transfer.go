package models

import "time"

// TransferRecord describes one completed inbound file transfer.
type TransferRecord struct {
	Path             string    `json:"path"`
	Sender           string    `json:"sender"`
	Size             int64     `json:"size"`
	SpeedBytesPerSec float64   `json:"speed_bytes_per_sec"`
	ReceivedAt       time.Time `json:"received_at"`
}
