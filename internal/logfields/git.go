package logfields

import "go.uber.org/zap"

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func SourceBranch(val string) zap.Field {
	return zap.String("git.source_branch", val)
}

func TargetBranch(val string) zap.Field {
	return zap.String("git.target_branch", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}

func Remote(val string) zap.Field {
	return zap.String("git.remote", val)
}

func RepositoryPath(val string) zap.Field {
	return zap.String("git.repository_path", val)
}
