package sub

import "fmt"

// Offset marks a record's position within a topic partition. Committing an
// offset acknowledges that record and every record before it on the same
// partition.
type Offset struct {
	Topic     string
	Partition int
	Offset    int64
}

// TopicPartition identifies the partition an offset belongs to.
type TopicPartition struct {
	Topic     string
	Partition int
}

func (o Offset) TopicPartition() TopicPartition {
	return TopicPartition{Topic: o.Topic, Partition: o.Partition}
}

func (o Offset) String() string {
	return fmt.Sprintf("%s/%d@%d", o.Topic, o.Partition, o.Offset)
}

// OffsetBatch accumulates offsets pending commit, keeping only the highest
// offset per partition. Contents are monotonically non-decreasing per
// partition between commits.
type OffsetBatch struct {
	highest map[TopicPartition]int64
	count   int
}

func NewOffsetBatch() *OffsetBatch {
	return &OffsetBatch{highest: make(map[TopicPartition]int64)}
}

// Add folds an offset into the batch. Lower offsets than the one already held
// for the partition are absorbed without changing the commit position.
func (b *OffsetBatch) Add(off Offset) {
	tp := off.TopicPartition()
	if cur, ok := b.highest[tp]; !ok || off.Offset > cur {
		b.highest[tp] = off.Offset
	}
	b.count++
}

// Len reports how many offsets have been folded in, not the number of
// distinct partitions. The batcher's size trigger counts folded offsets.
func (b *OffsetBatch) Len() int {
	return b.count
}

// Partitions returns the highest folded offset per partition.
func (b *OffsetBatch) Partitions() map[TopicPartition]int64 {
	return b.highest
}
