package config

const (
	// TopicExportCompleted is the NSQ topic announcing finished exports.
	TopicExportCompleted = "export.completed"
)
