// Package cell implements cellmesh's persistent, content-addressed data
// model: every value exchanged between peers or written to the store is a
// Cell with a canonical binary encoding, an identity hash derived from that
// encoding, and an ordered list of child references (Ref).
package cell

// Tag is the first byte of every cell's canonical encoding. It determines
// how the remaining bytes are parsed; decoding is strict, so an unknown tag
// is a BadFormat fault rather than a best-effort guess.
type Tag byte

const (
	TagNil Tag = iota
	TagBool
	TagLong
	TagDouble
	TagString
	TagBlob
	TagSymbol
	TagKeyword
	TagRef // only ever appears as a child encoding, never top-level
	TagVectorLeaf
	TagVectorTree
	TagMap
	TagSet
	TagSignedData
	TagBlock
	TagOrder
	TagBelief
	TagState
	TagPeerStatus
	TagAccountStatus
)

func (t Tag) String() string {
	switch t {
	case TagNil:
		return "nil"
	case TagBool:
		return "bool"
	case TagLong:
		return "long"
	case TagDouble:
		return "double"
	case TagString:
		return "string"
	case TagBlob:
		return "blob"
	case TagSymbol:
		return "symbol"
	case TagKeyword:
		return "keyword"
	case TagRef:
		return "ref"
	case TagVectorLeaf:
		return "vector-leaf"
	case TagVectorTree:
		return "vector-tree"
	case TagMap:
		return "map"
	case TagSet:
		return "set"
	case TagSignedData:
		return "signed-data"
	case TagBlock:
		return "block"
	case TagOrder:
		return "order"
	case TagBelief:
		return "belief"
	case TagState:
		return "state"
	case TagPeerStatus:
		return "peer-status"
	case TagAccountStatus:
		return "account-status"
	default:
		return "unknown-tag"
	}
}
