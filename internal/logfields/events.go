package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func TriggerSource(val string) zap.Field {
	return zap.String("trigger_source", val)
}
