package rediskey

import "fmt"

const (
	SequencePrefix   = "seq"
	SettlementPrefix = "settlement"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildDailySequenceKey returns "seq:{prefix}:{yymmdd}"
func BuildDailySequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, fmt.Sprintf("%s:%s", prefix, day))
}

// BuildSettlementTaskID returns "settlement:{yyyy-mm-dd}", the asynq task id
// that keeps one queued settlement per date.
func BuildSettlementTaskID(date string) string {
	return NamespaceKey(SettlementPrefix, date)
}
