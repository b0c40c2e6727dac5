package edge

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/beam-cloud/splitedge/pkg/types"
)

const DefaultMaxSessions = 128

// Status values reported on /status
const (
	StatusStarting  = "STARTING"
	StatusConnected = "CONNECTED"
	StatusStopped   = "STOPPED"
)

// DeviceSession tracks the last exchange with a single device
type DeviceSession struct {
	DeviceID      string          `json:"device_id"`
	LastMessageID string          `json:"last_message_id"`
	LastTopic     types.Topic     `json:"last_topic"`
	LastAvgSpeed  float64         `json:"last_avg_speed"`
	HasPlan       bool            `json:"has_plan"`
	BestLayer     int             `json:"best_layer"`
	LowestCost    float64         `json:"lowest_cost"`
	Registrations int             `json:"registrations"`
	Results       int             `json:"results"`
	LastSeen      types.Timestamp `json:"last_seen"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// EdgeState holds the coordinator's runtime state for reporting
type EdgeState struct {
	mu sync.RWMutex

	ClientID     string
	Broker       string
	Status       string
	SessionStart types.Timestamp
	StartTime    time.Time

	// Counters
	Received        int
	Dropped         int
	Published       int
	PublishFailures int

	// Host load
	CPUPercent    float64
	MemoryPercent float64

	sessions *lru.Cache[string, *DeviceSession]
}

// EdgeStateSnapshot is a copy-safe version of EdgeState
type EdgeStateSnapshot struct {
	ClientID        string
	Broker          string
	Status          string
	SessionStart    types.Timestamp
	StartTime       time.Time
	Received        int
	Dropped         int
	Published       int
	PublishFailures int
	CPUPercent      float64
	MemoryPercent   float64

	// Most recently updated first
	Sessions []DeviceSession
}

// Uptime returns the coordinator uptime
func (s EdgeStateSnapshot) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// NewEdgeState creates a new state tracking at most maxSessions devices
func NewEdgeState(clientID, broker string, maxSessions int) (*EdgeState, error) {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	sessions, err := lru.New[string, *DeviceSession](maxSessions)
	if err != nil {
		return nil, err
	}
	return &EdgeState{
		ClientID:  clientID,
		Broker:    broker,
		Status:    StatusStarting,
		StartTime: time.Now(),
		sessions:  sessions,
	}, nil
}

// SetStatus updates the lifecycle status
func (s *EdgeState) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
}

// SetSessionStart records the timestamp messages are filtered against
func (s *EdgeState) SetSessionStart(ts types.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SessionStart = ts
}

// UpdateMetrics updates CPU/Memory metrics
func (s *EdgeState) UpdateMetrics(cpu, memory float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CPUPercent = cpu
	s.MemoryPercent = memory
}

func (s *EdgeState) RecordReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Received++
}

func (s *EdgeState) RecordDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Dropped++
}

// RecordPublish counts an outbound send and whether it succeeded
func (s *EdgeState) RecordPublish(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.Published++
	} else {
		s.PublishFailures++
	}
}

// TouchSession records a validated message from a device
func (s *EdgeState) TouchSession(msg *types.Message, avgSpeed float64) {
	s.updateSession(msg.DeviceID, func(session *DeviceSession) {
		session.LastMessageID = msg.MessageID
		session.LastTopic = msg.Topic
		session.LastAvgSpeed = avgSpeed
		session.LastSeen = msg.Timestamp

		switch msg.Topic {
		case types.TopicRegistration:
			session.Registrations++
		case types.TopicDeviceInferenceResult:
			session.Results++
		}
	})
}

// RecordPlan stores the last offloading decision made for a device
func (s *EdgeState) RecordPlan(deviceID string, bestLayer int, cost float64) {
	s.updateSession(deviceID, func(session *DeviceSession) {
		session.HasPlan = true
		session.BestLayer = bestLayer
		session.LowestCost = cost
	})
}

func (s *EdgeState) updateSession(deviceID string, fn func(session *DeviceSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions.Get(deviceID)
	if !ok {
		session = &DeviceSession{DeviceID: deviceID}
	}
	fn(session)
	session.UpdatedAt = time.Now()
	s.sessions.Add(deviceID, session)
}

// Session returns a copy of the session for deviceID
func (s *EdgeState) Session(deviceID string) (DeviceSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions.Peek(deviceID)
	if !ok {
		return DeviceSession{}, false
	}
	return *session, true
}

// GetSnapshot returns a snapshot of the state for reporting
func (s *EdgeState) GetSnapshot() EdgeStateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := EdgeStateSnapshot{
		ClientID:        s.ClientID,
		Broker:          s.Broker,
		Status:          s.Status,
		SessionStart:    s.SessionStart,
		StartTime:       s.StartTime,
		Received:        s.Received,
		Dropped:         s.Dropped,
		Published:       s.Published,
		PublishFailures: s.PublishFailures,
		CPUPercent:      s.CPUPercent,
		MemoryPercent:   s.MemoryPercent,
	}

	keys := s.sessions.Keys()
	snapshot.Sessions = make([]DeviceSession, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if session, ok := s.sessions.Peek(keys[i]); ok {
			snapshot.Sessions = append(snapshot.Sessions, *session)
		}
	}

	return snapshot
}
