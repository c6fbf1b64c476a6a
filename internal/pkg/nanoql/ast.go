package nanoql

// Node is the interface implemented by all AST nodes.
type Node interface {
	node()
}

// BinaryExpr is AND or OR.
type BinaryExpr struct {
	Op    string
	Left  Node
	Right Node
}

func (BinaryExpr) node() {}

// Match operators.
const (
	OpEqual    = "="
	OpNotEqual = "!="
	OpContains = "~"
)

// MatchExpr matches one field against a value. An empty Key searches every
// field. A '*' in Value matches any run of characters for = and !=.
type MatchExpr struct {
	Key   string
	Value string
	Op    string
}

func (MatchExpr) node() {}

// NotExpr negates Expr.
type NotExpr struct {
	Expr Node
}

func (NotExpr) node() {}
