package storage

// Strategy selects how an archive is sent to the store.
type Strategy int

const (
	// StrategySingle uploads the whole file in one PutObject request.
	StrategySingle Strategy = iota
	// StrategyMultipart splits the file into parts.
	StrategyMultipart
)

func (s Strategy) String() string {
	switch s {
	case StrategySingle:
		return "single"
	case StrategyMultipart:
		return "multipart"
	default:
		return "unknown"
	}
}

// SelectStrategy returns StrategyMultipart when size reaches threshold.
func SelectStrategy(size, threshold int64) Strategy {
	if size >= threshold {
		return StrategyMultipart
	}
	return StrategySingle
}

// UploadPlan describes a single archive upload. It is derived once per run.
type UploadPlan struct {
	Bucket      string
	Key         string
	Size        int64
	Strategy    Strategy
	PartSize    int64
	Parallelism int
}

// NewUploadPlan derives the plan for an archive of the given size.
func NewUploadPlan(bucket, key string, size, threshold, partSize int64, parallelism int) UploadPlan {
	plan := UploadPlan{
		Bucket:   bucket,
		Key:      key,
		Size:     size,
		Strategy: SelectStrategy(size, threshold),
	}
	if plan.Strategy == StrategyMultipart {
		plan.PartSize = partSize
		plan.Parallelism = parallelism
	}
	return plan
}
