package config

type WorkerKeyStruct struct {
	PersistSnapshotsQueue string
	PublishResultsQueue   string
}

var WorkerKey = &WorkerKeyStruct{
	PersistSnapshotsQueue: "cbt:persist_snapshots_queue",
	PublishResultsQueue:   "cbt:publish_results_queue",
}
