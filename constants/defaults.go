package constants

const Title = "Power measurement relay between a load generator and a PTDaemon host"

const (
	DEFAULT_PORT            = 4950             // Client <-> server port
	DEFAULT_PTD_ADDRESS     = "127.0.0.1:8888" // PTDaemon is always local to the server
	DEFAULT_FILE_CHUNK_SIZE = 64               // 64K reads and writes
	MIN_CHUNK_SIZE          = 1                // Chunk size lower bound in bytes
	DEFAULT_DSCP            = 0x00             // QoS marking is opt-in
	ANSWER_MESSAGE_LEN      = 512              // ServerAnswer text capacity
	FILE_NAME_LEN           = 128              // Workload / file name capacity
	PTD_CONNECT_ATTEMPTS    = 60               // One minute of connect retries
	PTD_CONNECT_INTERVAL_MS = 1000             // Pause between connect retries
	PTD_SETTLE_DELAY_MS     = 10000            // Meter needs time after a range change
	PTD_REPLY_MAX_LEN       = 4096             // Longest reply line accepted from the daemon
	WORKLOAD_PAUSE_MS       = 5000             // Client pause between workloads
	DEFAULT_STAGING_DIR     = "./tmp"          // Per-workload log snapshots
	DEFAULT_LOG_FILE        = "ptd_log.txt"    // Default PTDaemon log path
	CALIBRATION_FILE        = "./maxAmpsVoltsValue.json"
)
