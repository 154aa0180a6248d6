package opcode

// Session init modes carried by InitMessage.
const (
	RANGING_MODE = 100 // Meter left on auto range
	TESTING_MODE = 101 // Meter fixed to calibration values
)

// Command codes sent by the client after init.
const (
	START_PTD     = 100 // Start logging for a workload
	STOP_PTD      = 200 // Stop logging
	START_RANGING = 300 // Begin ranging batch
	START_TESTING = 301 // Begin testing batch
	GET_FILE      = 500 // Stream the current log back
	SAVE_FILE     = 501 // Snapshot the current log under a name
)

// Answer codes carried by ServerAnswer.
const (
	OK              = 0
	ERR_DAEMON      = 1 // PTDaemon could not be started, reached or stopped
	ERR_PROTOCOL    = 2 // Unexpected command
	ERR_CALIBRATION = 3 // Missing or unusable calibration values
	ERR_FILE        = 4 // Log file could not be read or copied
)

// Name returns printable command name for logging.
func Name(code int32) string {
	switch code {
	case START_PTD:
		return "START_PTD"
	case STOP_PTD:
		return "STOP_PTD"
	case START_RANGING:
		return "START_RANGING"
	case START_TESTING:
		return "START_TESTING"
	case GET_FILE:
		return "GET_FILE"
	case SAVE_FILE:
		return "SAVE_FILE"
	default:
		return "UNKNOWN"
	}
}
