package logfields

import "go.uber.org/zap"

func Repository(val string) zap.Field {
	return zap.String("github.repository", val)
}

func RepositoryOwner(val string) zap.Field {
	return zap.String("github.repository_owner", val)
}

func DispatchEventType(val string) zap.Field {
	return zap.String("github.dispatch_event_type", val)
}

func DispatchID(val string) zap.Field {
	return zap.String("dispatch_id", val)
}

func HTTPStatus(val int) zap.Field {
	return zap.Int("http_status", val)
}

func SchedulerJob(val string) zap.Field {
	return zap.String("scheduler.job_name", val)
}
