// Package wire defines the CBOR-encoded payload types exchanged across the report, control,
// and dispatch endpoints, and the helpers used to encode/decode them.
package wire

// TestCaseKind is the closed enumeration of test case kinds a fuzzer may report.
type TestCaseKind string

const (
	KindNormal TestCaseKind = "NORMAL"
	KindCrash  TestCaseKind = "CRASH"
	KindHang   TestCaseKind = "HANG"
)

// SeedMsg is the payload of a report request, and of each seed embedded in a JobMsg dispatch.
type SeedMsg struct {
	ID        string       `cbor:"id"`
	Content   []byte       `cbor:"content"`
	Kind      TestCaseKind `cbor:"kind"`
	FuzzerID  string       `cbor:"fuzzer_id"`
	ParentIDs []string     `cbor:"parent_ids"`
}

// TestCaseReportReply is the reply to a report request. Exactly one of ID or Error is set.
type TestCaseReportReply struct {
	ID    string `cbor:"id,omitempty"`
	Error string `cbor:"error,omitempty"`
}

// FuzzerCtrlCommand is the closed enumeration of control-endpoint commands.
type FuzzerCtrlCommand string

const (
	CmdRegister    FuzzerCtrlCommand = "REGISTER"
	CmdReady       FuzzerCtrlCommand = "READY"
	CmdDeregister  FuzzerCtrlCommand = "DEREGISTER"
	CmdAck         FuzzerCtrlCommand = "ACK"
	CmdErr         FuzzerCtrlCommand = "ERR"
	CmdRun         FuzzerCtrlCommand = "RUN"
	CmdPause       FuzzerCtrlCommand = "PAUSE"
	CmdKill        FuzzerCtrlCommand = "KILL"
	CmdSetPriority FuzzerCtrlCommand = "SET_PRIORITY"
)

// FuzzerCtrlMsg is the request/reply payload on the control endpoint, and the "C"-tagged
// payload on the dispatch endpoint.
type FuzzerCtrlMsg struct {
	Command    FuzzerCtrlCommand `cbor:"command"`
	FuzzerID   string            `cbor:"fuzzer_id,omitempty"`
	FuzzerType string            `cbor:"fuzzer_type,omitempty"`
	Priority   *int              `cbor:"priority,omitempty"`
}

// JobMsg is the "S"-tagged dispatch payload: a batch of seeds pushed to one fuzzer.
type JobMsg struct {
	FuzzerID string    `cbor:"fuzzer_id"`
	Seeds    []SeedMsg `cbor:"seeds"`
}
