package device

import (
	"encoding/json"
	"time"
)

// OnlineStatus is the inferred availability of a device. It is derived
// from frame arrival, not from the transport: a device is Online while
// frames keep coming and Offline once they stop for long enough.
type OnlineStatus int

const (
	OnlineUnknown OnlineStatus = iota
	Online
	Offline
)

func (s OnlineStatus) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	}
	return "unknown"
}

// MarshalJSON encodes the status as true, false, or null (unknown).
func (s OnlineStatus) MarshalJSON() ([]byte, error) {
	switch s {
	case Online:
		return []byte("true"), nil
	case Offline:
		return []byte("false"), nil
	}
	return []byte("null"), nil
}

// UnmarshalJSON accepts true/false/null.
func (s *OnlineStatus) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*s = Online
	case "false":
		*s = Offline
	default:
		*s = OnlineUnknown
	}
	return nil
}

// SleepSession is one recorded sleep interval in unix seconds.
type SleepSession struct {
	Start int64 `json:"start" dynamodbav:"start"`
	End   int64 `json:"end" dynamodbav:"end"`
}

// Duration returns the session length; invalid sessions report zero or
// negative durations.
func (s SleepSession) Duration() time.Duration {
	return time.Duration(s.End-s.Start) * time.Second
}

const (
	minCachedSession    = time.Minute
	minAnalyticsSession = time.Hour
)

// NormalizeSleepHistory drops entries with a missing endpoint, an end not
// after the start, or a duration under one minute. Order is preserved.
func NormalizeSleepHistory(in []SleepSession) []SleepSession {
	if len(in) == 0 {
		return nil
	}
	out := make([]SleepSession, 0, len(in))
	for _, s := range in {
		if s.Start <= 0 || s.End <= 0 || s.End <= s.Start {
			continue
		}
		if s.Duration() < minCachedSession {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// AnalyticsSessions filters a history to entries long enough for sleep
// analytics: one hour or more.
func AnalyticsSessions(in []SleepSession) []SleepSession {
	var out []SleepSession
	for _, s := range NormalizeSleepHistory(in) {
		if s.Duration() >= minAnalyticsSession {
			out = append(out, s)
		}
	}
	return out
}

// Frame is one decoded state document as published on state/<ID>.
// Pointer fields record exactly which keys the device sent, so merging
// can distinguish "absent" from zero values. Keys this client does not
// recognize are retained opaquely in Extra, letting firmware additions
// round-trip without a client update. Keys prefixed "_" are internal and
// never accepted from the wire.
type Frame struct {
	Light          *bool    `json:"light,omitempty"`
	Mode           *int     `json:"mode,omitempty"`
	Motion         *bool    `json:"motion,omitempty"`
	Still          *bool    `json:"still,omitempty"`
	MotionTimer    *int     `json:"motionTimer,omitempty"`    // seconds
	TimerRemaining *int     `json:"timerRemaining,omitempty"` // seconds
	RSSI           *int     `json:"rssi,omitempty"`           // dBm
	Heap           *int     `json:"heap,omitempty"`           // bytes
	Uptime         *int     `json:"uptime,omitempty"`         // seconds
	Firmware       *string  `json:"firmware,omitempty"`
	IP             *string  `json:"ip,omitempty"`
	CPUTemp        *float64 `json:"cpuTemp,omitempty"`

	BlindPosition *int  `json:"blindPosition,omitempty"` // 0..100
	BlindOpen     *bool `json:"blindOpen,omitempty"`

	// Available is the device's explicit availability claim, when it
	// publishes one. The inferred flag lives on State.
	Available *bool `json:"online,omitempty"`

	IsSleeping *bool  `json:"isSleeping,omitempty"`
	SleepStart *int64 `json:"sleepStart,omitempty"` // unix seconds

	Config       map[string]any `json:"config,omitempty"`
	SleepHistory []SleepSession `json:"sleepHistory,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// frameAlias avoids recursing into the custom (un)marshalers.
type frameAlias Frame

var frameKnownKeys = []string{
	"light", "mode", "motion", "still", "motionTimer", "timerRemaining",
	"rssi", "heap", "uptime", "firmware", "ip", "cpuTemp",
	"blindPosition", "blindOpen", "online", "isSleeping", "sleepStart",
	"config", "sleepHistory",
}

// UnmarshalJSON decodes recognized keys into typed fields and keeps the
// rest verbatim in Extra. Internal "_"-prefixed keys are dropped.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var a frameAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range frameKnownKeys {
		delete(raw, k)
	}
	for k := range raw {
		if len(k) > 0 && k[0] == '_' {
			delete(raw, k)
		}
	}
	if len(raw) == 0 {
		raw = nil
	}
	a.Extra = raw
	*f = Frame(a)
	return nil
}

// MarshalJSON re-emits typed fields and opaque extras as one flat object.
func (f Frame) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(frameAlias(f))
	if err != nil {
		return nil, err
	}
	if len(f.Extra) == 0 {
		return data, nil
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	for k, v := range f.Extra {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// DecodeFrame parses one inbound state payload.
func DecodeFrame(payload []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(payload, &f)
	return f, err
}

// State is the merged live view for one device: the accumulated frame
// fields plus the inferred availability. States handed to listeners are
// never mutated afterwards; Merge always allocates a fresh value.
type State struct {
	Frame
	Online     OnlineStatus `json:"_online"`
	LastUpdate int64        `json:"_lastUpdate"` // milliseconds since epoch
}

// MarshalJSON flattens the frame fields and the internal "_" fields into
// one object, matching the shape persisted by earlier clients.
func (s State) MarshalJSON() ([]byte, error) {
	data, err := s.Frame.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string]json.RawMessage)
	}
	online, err := s.Online.MarshalJSON()
	if err != nil {
		return nil, err
	}
	out["_online"] = online
	lastUpdate, err := json.Marshal(s.LastUpdate)
	if err != nil {
		return nil, err
	}
	out["_lastUpdate"] = lastUpdate
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON; used when reading cached
// state slices back from local persistence.
func (s *State) UnmarshalJSON(data []byte) error {
	if err := s.Frame.UnmarshalJSON(data); err != nil {
		return err
	}
	var internal struct {
		Online     OnlineStatus `json:"_online"`
		LastUpdate int64        `json:"_lastUpdate"`
	}
	if err := json.Unmarshal(data, &internal); err != nil {
		return err
	}
	s.Online = internal.Online
	s.LastUpdate = internal.LastUpdate
	return nil
}

// OverlayFrame copies prev and overlays every field the incoming frame
// explicitly carries. Exceptions to the plain overlay:
//
//   - Config merges key by key and is never replaced by an empty map.
//   - SleepHistory keeps whichever normalized sequence is longer,
//     preferring the incoming one on a tie.
//
// The result shares no maps or slices with either input.
func OverlayFrame(prev, in Frame) Frame {
	out := prev

	if in.Light != nil {
		out.Light = in.Light
	}
	if in.Mode != nil {
		out.Mode = in.Mode
	}
	if in.Motion != nil {
		out.Motion = in.Motion
	}
	if in.Still != nil {
		out.Still = in.Still
	}
	if in.MotionTimer != nil {
		out.MotionTimer = in.MotionTimer
	}
	if in.TimerRemaining != nil {
		out.TimerRemaining = in.TimerRemaining
	}
	if in.RSSI != nil {
		out.RSSI = in.RSSI
	}
	if in.Heap != nil {
		out.Heap = in.Heap
	}
	if in.Uptime != nil {
		out.Uptime = in.Uptime
	}
	if in.Firmware != nil {
		out.Firmware = in.Firmware
	}
	if in.IP != nil {
		out.IP = in.IP
	}
	if in.CPUTemp != nil {
		out.CPUTemp = in.CPUTemp
	}
	if in.BlindPosition != nil {
		out.BlindPosition = in.BlindPosition
	}
	if in.BlindOpen != nil {
		out.BlindOpen = in.BlindOpen
	}
	if in.Available != nil {
		out.Available = in.Available
	}
	if in.IsSleeping != nil {
		out.IsSleeping = in.IsSleeping
	}
	if in.SleepStart != nil {
		out.SleepStart = in.SleepStart
	}

	out.Config = MergeConfig(prev.Config, in.Config)

	prevHist := NormalizeSleepHistory(prev.SleepHistory)
	inHist := NormalizeSleepHistory(in.SleepHistory)
	if len(inHist) >= len(prevHist) {
		out.SleepHistory = inHist
	} else {
		out.SleepHistory = prevHist
	}

	if len(prev.Extra) > 0 || len(in.Extra) > 0 {
		extra := make(map[string]json.RawMessage, len(prev.Extra)+len(in.Extra))
		for k, v := range prev.Extra {
			extra[k] = v
		}
		for k, v := range in.Extra {
			extra[k] = v
		}
		out.Extra = extra
	} else {
		out.Extra = nil
	}

	return out
}

// MergeConfig overlays incoming config keys onto prev, one level deep.
// Keys absent from incoming persist; an empty incoming map never wipes
// the previous config. The result is always a fresh map (or nil when
// both inputs are empty).
func MergeConfig(prev, in map[string]any) map[string]any {
	if len(prev) == 0 && len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(prev)+len(in))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Merge applies one inbound frame to the previous state and computes the
// availability inference: an explicit claim from the device wins;
// otherwise frame arrival itself means the device is online. nowMillis
// becomes the new LastUpdate either way.
func Merge(prev State, f Frame, nowMillis int64) State {
	next := State{
		Frame:      OverlayFrame(prev.Frame, f),
		LastUpdate: nowMillis,
	}
	switch {
	case f.Available != nil && *f.Available:
		next.Online = Online
	case f.Available != nil:
		next.Online = Offline
	default:
		next.Online = Online
	}
	return next
}

// CacheSlice trims a state to the fields worth persisting locally for
// first paint: the durable slices plus the last-known control surface.
func CacheSlice(st State) State {
	return State{
		Frame: Frame{
			Light:         st.Light,
			Mode:          st.Mode,
			BlindPosition: st.BlindPosition,
			BlindOpen:     st.BlindOpen,
			IsSleeping:    st.IsSleeping,
			SleepStart:    st.SleepStart,
			Config:        MergeConfig(nil, st.Config),
			SleepHistory:  NormalizeSleepHistory(st.SleepHistory),
		},
		Online:     st.Online,
		LastUpdate: st.LastUpdate,
	}
}
