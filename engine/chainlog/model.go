package chainlog

// AuditRecord mirrors one on-chain MemoryLogged entry plus the fields only
// visible via getMemory (summary, contentHash, timestamp).
type AuditRecord struct {
	ID          int64
	User        string
	OpType      uint8
	Title       string
	Summary     string
	Tags        string
	ContentHash string
	Timestamp   int64
}

// TxOutcome is the result of a confirmed writeLog call.
type TxOutcome struct {
	TxHash string
	ID     int64
}
