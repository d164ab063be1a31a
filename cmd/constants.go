package cmd

// DefaultServerConfigFilename describes the default config filename looked up in a run's working directory.
const DefaultServerConfigFilename = "collabfuzz.json"

// DefaultAuditLogFilename describes the default bbolt-backed audit database filename.
const DefaultAuditLogFilename = "run_info.bolt"
