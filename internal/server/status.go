// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nishisan-dev/ftx-server/internal/extract"
	"github.com/nishisan-dev/ftx-server/internal/monitor"
	"github.com/nishisan-dev/ftx-server/internal/server/observability"
)

// payloadStatus é o documento JSON devolvido pelo PAYLOAD_STATUS.
type payloadStatus struct {
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	ActiveConns   int32                      `json:"active_connections"`
	ActiveUploads int32                      `json:"active_uploads"`
	TrafficIn     int64                      `json:"traffic_in_bytes"`
	PackQueueLen  int                        `json:"pack_queue_len"`
	System        monitor.SystemStats        `json:"system"`
	Storage       []monitor.DiskStats        `json:"storage"`
	ExtractQueue  []extract.JobView          `json:"extract_queue"`
	RecentEvents  []observability.EventEntry `json:"recent_events"`
}

// handlePayloadStatus responde "STATUS <n>\n" seguido do documento JSON de n
// bytes com o estado corrente do payload.
func (s *Server) handlePayloadStatus(c *clientConn) {
	status := payloadStatus{
		Version:       Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		ActiveConns:   s.activeConns.Load(),
		ActiveUploads: s.activeUploads.Load(),
		TrafficIn:     s.trafficIn.Load(),
		PackQueueLen:  s.pool.QueueLen(),
		System:        s.monitor.Stats(),
		ExtractQueue:  s.queue.Snapshot(),
		RecentEvents:  s.events.Recent(20),
	}

	for _, base := range []string{s.cfg.Storage.GamesPath, s.cfg.Storage.FallbackPath} {
		if _, err := os.Stat(base); err != nil {
			continue
		}
		if usage, err := monitor.DiskUsage(base); err == nil {
			status.Storage = append(status.Storage, usage)
		}
	}

	doc, err := json.Marshal(status)
	if err != nil {
		writeLine(c.fd, "ERROR: Status marshal failed")
		return
	}

	if err := writeLine(c.fd, fmt.Sprintf("STATUS %d", len(doc))); err != nil {
		return
	}
	writeAll(c.fd, append(doc, '\n'))
}
