package fiber

import "fmt"

// ExprKind tags an expression node.
type ExprKind int

const (
	ExprConst ExprKind = iota
	ExprVar
	ExprBinOp
	ExprIndex
	ExprField
	ExprArrayLen
	ExprSome
)

// BinOp is a binary arithmetic/comparison operator over UInt64 operands.
type BinOp int

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
)

// Expr is a side-effect-free expression evaluated against a Frame: a
// constant, a variable reference, a binary operation, an array index, or a
// struct field access.
type Expr struct {
	Kind ExprKind

	Const Value

	Var string

	Op   BinOp
	LHS  *Expr
	RHS  *Expr

	Array *Expr
	Index *Expr

	Field     *Expr
	FieldName string

	Inner *Expr // ExprSome
}

// ConstExpr builds a constant expression.
func ConstExpr(v Value) Expr { return Expr{Kind: ExprConst, Const: v} }

// VarExpr builds a variable reference expression.
func VarExpr(name string) Expr { return Expr{Kind: ExprVar, Var: name} }

// BinOpExpr builds a binary operation expression.
func BinOpExpr(op BinOp, lhs, rhs Expr) Expr {
	return Expr{Kind: ExprBinOp, Op: op, LHS: &lhs, RHS: &rhs}
}

// IndexExpr builds an array index expression.
func IndexExpr(array, index Expr) Expr {
	return Expr{Kind: ExprIndex, Array: &array, Index: &index}
}

// FieldExpr builds a struct field access expression.
func FieldExpr(structExpr Expr, field string) Expr {
	return Expr{Kind: ExprField, Field: &structExpr, FieldName: field}
}

// ArrayLenExpr builds an array-length expression.
func ArrayLenExpr(array Expr) Expr {
	return Expr{Kind: ExprArrayLen, Array: &array}
}

// SomeExpr wraps the evaluation of inner as a present Option.
func SomeExpr(inner Expr) Expr {
	return Expr{Kind: ExprSome, Inner: &inner}
}

// Frame is the set of named local/argument slots visible to an expression
// evaluation or a RustBlock invocation.
type Frame map[string]Value

// Eval evaluates e against frame.
func (e Expr) Eval(frame Frame) Value {
	switch e.Kind {
	case ExprConst:
		return e.Const
	case ExprVar:
		v, ok := frame[e.Var]
		if !ok {
			panic(fmt.Sprintf("fiber: undefined variable %q", e.Var))
		}
		return v
	case ExprBinOp:
		return evalBinOp(e.Op, e.LHS.Eval(frame), e.RHS.Eval(frame))
	case ExprIndex:
		arr := e.Array.Eval(frame)
		idx := e.Index.Eval(frame)
		if arr.Kind != KindArray {
			panic("fiber: Index applied to non-array value")
		}
		i := int(idx.UInt64)
		if i < 0 || i >= len(arr.Array) {
			panic("fiber: array index out of bounds")
		}
		return arr.Array[i]
	case ExprField:
		s := e.Field.Eval(frame)
		if s.Kind != KindStruct {
			panic("fiber: Field applied to non-struct value")
		}
		v, ok := s.Fields[e.FieldName]
		if !ok {
			panic(fmt.Sprintf("fiber: struct %q has no field %q", s.Struct, e.FieldName))
		}
		return v
	case ExprArrayLen:
		arr := e.Array.Eval(frame)
		if arr.Kind != KindArray {
			panic("fiber: ArrayLen applied to non-array value")
		}
		return UInt64Value(uint64(len(arr.Array)))
	case ExprSome:
		return Some(e.Inner.Eval(frame))
	default:
		panic(fmt.Sprintf("fiber: unknown expr kind %d", e.Kind))
	}
}

func evalBinOp(op BinOp, lhs, rhs Value) Value {
	switch op {
	case OpAdd:
		return UInt64Value(lhs.UInt64 + rhs.UInt64)
	case OpSub:
		return UInt64Value(lhs.UInt64 - rhs.UInt64)
	case OpMul:
		return UInt64Value(lhs.UInt64 * rhs.UInt64)
	case OpDiv:
		return UInt64Value(lhs.UInt64 / rhs.UInt64)
	case OpEq:
		return boolValue(valuesEqual(lhs, rhs))
	case OpNeq:
		return boolValue(!valuesEqual(lhs, rhs))
	case OpLt:
		return boolValue(lhs.UInt64 < rhs.UInt64)
	case OpLte:
		return boolValue(lhs.UInt64 <= rhs.UInt64)
	case OpGt:
		return boolValue(lhs.UInt64 > rhs.UInt64)
	case OpGte:
		return boolValue(lhs.UInt64 >= rhs.UInt64)
	default:
		panic(fmt.Sprintf("fiber: unknown binop %d", op))
	}
}

func boolValue(b bool) Value {
	if b {
		return UInt64Value(1)
	}
	return UInt64Value(0)
}

func valuesEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindUInt64:
		return a.UInt64 == b.UInt64
	case KindString:
		return a.Str == b.Str
	case KindVoid:
		return true
	default:
		return a.String() == b.String()
	}
}
