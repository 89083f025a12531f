package logfields

import "go.uber.org/zap"

func Project(val string) zap.Field {
	return zap.String("gitlab.project", val)
}

func ProjectID(val int) zap.Field {
	return zap.Int("gitlab.project_id", val)
}

func MergeRequest(iid int) zap.Field {
	return zap.Int("gitlab.merge_request", iid)
}

func User(val string) zap.Field {
	return zap.String("gitlab.user", val)
}

func HTTPMethod(val string) zap.Field {
	return zap.String("http.method", val)
}

func HTTPStatus(val int) zap.Field {
	return zap.Int("http.status_code", val)
}

func Endpoint(val string) zap.Field {
	return zap.String("gitlab.endpoint", val)
}
