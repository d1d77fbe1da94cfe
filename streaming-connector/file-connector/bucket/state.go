package bucket

const stateKey = "bucket-sink-state"

// BucketState is the checkpointed part of a bucket.
type BucketState struct {
	NextPart int
	//Pending are finalized parts by the checkpoint they were attached to
	Pending map[int64][]int
}

// State is checkpointed with gob, it holds every bucket of one sink partition.
type State struct {
	Buckets map[string]*BucketState
}

func newState() State {
	return State{Buckets: map[string]*BucketState{}}
}
