package indicator

// Type is the closed enumeration of indicator kinds the DAG can execute.
type Type string

const (
	TypeDoji             Type = "doji"
	TypeFVG              Type = "fvg"
	TypeBOS              Type = "bos"
	TypeOrderBlock       Type = "order_block"
	TypeHiddenOrderBlock Type = "hidden_order_block"
	TypeMomentum         Type = "momentum"
)

// stable numeric ids, persisted alongside instances
var typeIDs = map[Type]int{
	TypeDoji:             1,
	TypeFVG:              2,
	TypeBOS:              3,
	TypeOrderBlock:       4,
	TypeHiddenOrderBlock: 5,
	TypeMomentum:         6,
}

// ID returns the type's stable numeric identifier, or 0 for unknown types
func (t Type) ID() int {
	return typeIDs[t]
}

// Valid reports whether t is a known indicator type
func (t Type) Valid() bool {
	_, ok := typeIDs[t]
	return ok
}

// RequiresMitigation reports whether instances of this type are tracked by
// the mitigation engine after creation.
func (t Type) RequiresMitigation() bool {
	return t == TypeOrderBlock || t == TypeHiddenOrderBlock
}

// DataKey is the slot under which this type's result is stored in the run
// data for downstream indicators.
func (t Type) DataKey() string {
	return string(t) + "_data"
}
