package utils

const (
	AppName        = "pullguard"
	EnvPrefix      = "PULLGUARD"
	DefaultCommand = "ollama"
	DefaultLogDir  = "log"
	HistoryDBName  = "history.db"
)
