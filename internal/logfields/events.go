package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func RunID(val uint64) zap.Field {
	return zap.Uint64("run_id", val)
}
