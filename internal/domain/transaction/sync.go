package transaction

// MergeChanges folds modified rows into added ones so every id is written
// once. A later copy of an id replaces an earlier one, and ids listed in
// removed are dropped. The order of first appearance is kept.
func MergeChanges(added, modified []*Transaction, removed []string) []*Transaction {
	gone := make(map[string]struct{}, len(removed))
	for _, id := range removed {
		gone[id] = struct{}{}
	}

	index := make(map[string]int, len(added)+len(modified))
	out := make([]*Transaction, 0, len(added)+len(modified))
	for _, src := range [][]*Transaction{added, modified} {
		for _, tx := range src {
			if _, ok := gone[tx.ID]; ok {
				continue
			}
			if i, ok := index[tx.ID]; ok {
				out[i] = tx
				continue
			}
			index[tx.ID] = len(out)
			out = append(out, tx)
		}
	}
	return out
}

// OverlayLookupIDs lists the ids whose stored overlay may apply to txs: each
// transaction's own id and the id of the pending row it replaces.
func OverlayLookupIDs(txs []*Transaction) []string {
	seen := make(map[string]struct{}, len(txs)*2)
	ids := make([]string, 0, len(txs)*2)
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, tx := range txs {
		add(tx.ID)
		if tx.PendingTransactionID != nil {
			add(*tx.PendingTransactionID)
		}
	}
	return ids
}

// CarryOverlay fills each transaction's user fields from the stored overlays.
// A field set on the transaction's own stored row wins; otherwise the value
// from its pending counterpart is used. It returns how many transactions
// ended up with a non-empty overlay.
func CarryOverlay(txs []*Transaction, overlays map[string]Overlay) int {
	carried := 0
	for _, tx := range txs {
		own := overlays[tx.ID]
		var pending Overlay
		if tx.PendingTransactionID != nil {
			pending = overlays[*tx.PendingTransactionID]
		}

		tx.CustomName = firstSet(tx.CustomName, own.CustomName, pending.CustomName)
		tx.CustomCategory = firstSet(tx.CustomCategory, own.CustomCategory, pending.CustomCategory)
		tx.Note = firstSet(tx.Note, own.Note, pending.Note)

		if !tx.Overlay().IsZero() {
			carried++
		}
	}
	return carried
}

func firstSet(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
