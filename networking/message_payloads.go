package networking

import "ptd_relay/constants"

// ServerAnswer is sent by server after every acknowledged command
type ServerAnswer struct {
	Code    int32                              // 0 on success, anything else is fatal for the client
	Message [constants.ANSWER_MESSAGE_LEN]byte // NUL padded text
}

// InitMessage opens the session and selects ranging or testing mode
type InitMessage struct {
	Mode     int32   // opcode.RANGING_MODE or opcode.TESTING_MODE
	MaxAmps  float32 // Current range for testing mode (0: auto)
	MaxVolts float32 // Voltage range for testing mode (0: auto)
}

// StartLogMessage names the workload for the upcoming log segment
type StartLogMessage struct {
	Code int32                         // opcode.START_PTD
	Name [constants.FILE_NAME_LEN]byte // Workload name
}

// SaveLogMessage names the staged copy of the current log
type SaveLogMessage struct {
	Code int32                         // opcode.SAVE_FILE
	Name [constants.FILE_NAME_LEN]byte // Staged file name
}

// StartTestMessage announces how many workloads the next batch has
type StartTestMessage struct {
	Code           int32 // opcode.START_RANGING or opcode.START_TESTING
	WorkloadAmount int32 // Number of workloads in batch
}

// BareCommand is a command without a body
type BareCommand struct {
	Code int32 // opcode.STOP_PTD or opcode.GET_FILE
}
