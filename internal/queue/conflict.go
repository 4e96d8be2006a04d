package queue

// ConflictResolver merges local operation data with the server's conflicting
// copy and returns the data to submit on the next drain cycle.
type ConflictResolver func(local, remote map[string]any) map[string]any

// DefaultResolver picks the built-in policy for an operation type:
// state updates merge field-by-field with the newer side winning, user
// actions default to local-wins.
func DefaultResolver(opType string) ConflictResolver {
	switch opType {
	case TypeStateUpdate:
		return MergeNewerWins
	default:
		return LocalWins
	}
}

// LocalWins keeps the local data untouched.
func LocalWins(local, _ map[string]any) map[string]any {
	return local
}

// MergeNewerWins merges per field: a field present on only one side is kept;
// when both sides carry it, the side with the newer lastModified/timestamp
// marker wins. Fields that are themselves stamped objects are compared by
// their own stamp, everything else by the record-level stamp.
func MergeNewerWins(local, remote map[string]any) map[string]any {
	if remote == nil {
		return local
	}
	merged := make(map[string]any, len(local)+len(remote))
	for k, v := range remote {
		merged[k] = v
	}

	localRecord := changeStamp(local)
	remoteRecord := changeStamp(remote)
	for k, lv := range local {
		rv, clash := remote[k]
		if !clash {
			merged[k] = lv
			continue
		}
		localTS, remoteTS := localRecord, remoteRecord
		if lm, ok := lv.(map[string]any); ok {
			if ts := changeStamp(lm); ts != 0 {
				localTS = ts
			}
		}
		if rm, ok := rv.(map[string]any); ok {
			if ts := changeStamp(rm); ts != 0 {
				remoteTS = ts
			}
		}
		if localTS >= remoteTS {
			merged[k] = lv
		}
	}
	return merged
}

func changeStamp(data map[string]any) int64 {
	for _, key := range []string{"lastModified", "timestamp"} {
		switch v := data[key].(type) {
		case int64:
			return v
		case float64:
			return int64(v)
		case int:
			return int64(v)
		}
	}
	return 0
}
