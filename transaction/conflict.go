package transaction

// collapseLocked 把 in 合并进 tx，返回事务中的当前操作与被替换的操作。
//
// 合并规则（按 EntityID）：
//   - 无已有操作，或 in 为 create：追加
//   - create + delete：delete 且 WasCreated，提交时跳过
//   - 已抵消的 create + update：重新成为 create，携带新数据，恢复 create 的 Mutation 与 Rollback
//   - 已抵消的 create + delete：保持 WasCreated
//   - create + update：保持 create 的 Mutation 与 Rollback，携带新数据
//   - 其余：后写覆盖
//
// 首次触及时的 OriginalData 始终保留。执行中的操作不参与合并。
func (m *Manager) collapseLocked(tx *Transaction, in *Operation) (*Operation, *Operation, error) {
	idx := -1
	if in.Type != OpCreate {
		idx = m.findLocked(tx, in.EntityID)
	}

	if idx < 0 {
		if limit := tx.Config.MaxPendingOperations; limit > 0 && len(tx.Operations) >= limit {
			return nil, nil, ErrTooManyOperations.WithContext("max", limit)
		}
		op := in.clone()
		tx.Operations = append(tx.Operations, op)
		return op, nil, nil
	}

	existing := tx.Operations[idx]
	merged := merge(existing, in)
	tx.Operations[idx] = merged
	return merged, existing, nil
}

// findLocked 最后一个同实体且未在执行中的操作
func (m *Manager) findLocked(tx *Transaction, entityID string) int {
	for i := len(tx.Operations) - 1; i >= 0; i-- {
		op := tx.Operations[i]
		if op.EntityID != entityID {
			continue
		}
		if _, busy := m.inflight[op.ID]; busy {
			continue
		}
		return i
	}
	return -1
}

func merge(existing, in *Operation) *Operation {
	out := in.clone()
	out.created = nil
	if existing.OriginalData != nil {
		out.OriginalData = existing.OriginalData
	}

	switch {
	case existing.WasCreated && in.Type == OpUpdate:
		out.Type = OpCreate
		out.WasCreated = false
		if c := existing.created; c != nil {
			out.Mutation, out.Rollback = c.mutation, c.rollback
		}
	case existing.WasCreated && in.Type == OpDelete:
		out.WasCreated = true
		out.Data = existing.Data
		out.created = existing.created
	case existing.Type == OpCreate && in.Type == OpDelete:
		out.WasCreated = true
		out.Data = existing.Data
		out.created = &createBehavior{mutation: existing.Mutation, rollback: existing.Rollback}
		if out.OriginalData == nil {
			out.OriginalData = existing.Data
		}
	case existing.Type == OpCreate && in.Type == OpUpdate:
		out.Type = OpCreate
		out.Mutation, out.Rollback = existing.Mutation, existing.Rollback
	}
	return out
}
