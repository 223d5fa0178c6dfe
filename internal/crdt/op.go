package crdt

import "encoding/json"

// Op kinds. Map ops address their parent map by key path; list ops address
// the list entry by full path plus the list's identity, so an op never
// applies to a list that replaced the one it was produced against.
const (
	opEnsureMap = "mapEnsure"
	opSetList   = "listSet"
	opSetValue  = "valSet"
	opDelKey    = "keyDel"
	opListIns   = "elemIns"
	opListDel   = "elemDel"
)

type op struct {
	Kind  string          `json:"k"`
	Root  string          `json:"rt"`
	Path  []string        `json:"p,omitempty"`
	Key   string          `json:"key,omitempty"`
	ID    ID              `json:"id"`
	List  ID              `json:"list,omitempty"`
	Elem  ID              `json:"elem,omitempty"`
	Pos   []int           `json:"pos,omitempty"`
	Value json.RawMessage `json:"v,omitempty"`
}

type updateBatch struct {
	Ops []op `json:"ops"`
}

func encodeOps(ops []op) []byte {
	data, err := json.Marshal(updateBatch{Ops: ops})
	if err != nil {
		// Ops contain only JSON-safe fields; a marshal failure is a bug.
		panic(err)
	}
	return data
}

func decodeOps(data []byte) ([]op, error) {
	var batch updateBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, err
	}
	return batch.Ops, nil
}
