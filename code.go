package tracetype

import "fmt"

// StatementKind identifies a trace statement variant.
type StatementKind int

const (
	StmtWrite StatementKind = iota
	StmtFieldWrite
	StmtDelete
	StmtInfo
)

func (k StatementKind) String() string {
	switch k {
	case StmtWrite:
		return "write"
	case StmtFieldWrite:
		return "fieldwrite"
	case StmtDelete:
		return "delete"
	case StmtInfo:
		return "info"
	default:
		return fmt.Sprintf("statement(%d)", int(k))
	}
}

// ExpressionKind identifies a trace expression variant.
type ExpressionKind int

const (
	ExprRead ExpressionKind = iota
	ExprFieldRead
	ExprNew
	ExprPrimitive
)

func (k ExpressionKind) String() string {
	switch k {
	case ExprRead:
		return "read"
	case ExprFieldRead:
		return "fieldread"
	case ExprNew:
		return "new"
	case ExprPrimitive:
		return "primitive"
	default:
		return fmt.Sprintf("expression(%d)", int(k))
	}
}

// InfoKind identifies a side-channel marker carried by an Info statement.
type InfoKind int

const (
	InfoFunctionEnter InfoKind = iota
	InfoFunctionInvocation
	InfoFunctionReturn
	InfoNextFieldAccessIsDynamic
	InfoNextNewIsArray
	InfoNextNewIsArguments
	InfoNextNewIsFunction
	InfoNextNewIsPrototypeObject
	InfoNextNewIsMap
	InfoNextNewIsInternalConstructorThis
)

func (k InfoKind) String() string {
	switch k {
	case InfoFunctionEnter:
		return "enter"
	case InfoFunctionInvocation:
		return "invocation"
	case InfoFunctionReturn:
		return "return"
	case InfoNextFieldAccessIsDynamic:
		return "nextfielddynamic"
	case InfoNextNewIsArray:
		return "nextnewarray"
	case InfoNextNewIsArguments:
		return "nextnewarguments"
	case InfoNextNewIsFunction:
		return "nextnewfunction"
	case InfoNextNewIsPrototypeObject:
		return "nextnewprototype"
	case InfoNextNewIsMap:
		return "nextnewmap"
	case InfoNextNewIsInternalConstructorThis:
		return "nextnewconstructorthis"
	default:
		return fmt.Sprintf("info(%d)", int(k))
	}
}

// PrimitiveKind enumerates the primitive value kinds of the traced language.
type PrimitiveKind int

const (
	PrimNumber PrimitiveKind = iota
	PrimString
	PrimBoolean
	PrimUndefined
	PrimNull
)

func (k PrimitiveKind) String() string {
	switch k {
	case PrimNumber:
		return "number"
	case PrimString:
		return "string"
	case PrimBoolean:
		return "boolean"
	case PrimUndefined:
		return "undefined"
	case PrimNull:
		return "null"
	default:
		return fmt.Sprintf("primitive(%d)", int(k))
	}
}
