package main

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type WorkerFlags struct {
	Name string
}

type SuperviseFlags struct {
	Daemonize bool
	PIDFile   string
	LogFile   string
}

type HistoryFlags struct {
	Name string
}
