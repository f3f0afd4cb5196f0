package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Op identifies one of the fixed operations a worker can compute. The set
// is closed: tasks naming anything else fail with ErrUnsupportedOp instead
// of falling through to some default.
type Op uint8

const (
	OpEcho Op = iota
	OpDouble
	OpSquare
	OpFibonacci
	OpFactorial
	OpIsPrime
	OpSHA256
)

var opNames = map[Op]string{
	OpEcho:      "echo",
	OpDouble:    "double",
	OpSquare:    "square",
	OpFibonacci: "fibonacci",
	OpFactorial: "factorial",
	OpIsPrime:   "isprime",
	OpSHA256:    "sha256",
}

var opsByName = map[string]Op{
	"echo":      OpEcho,
	"double":    OpDouble,
	"square":    OpSquare,
	"fibonacci": OpFibonacci,
	"factorial": OpFactorial,
	"isprime":   OpIsPrime,
	"sha256":    OpSHA256,
}

// String returns the wire name of the operation.
func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// ParseOp resolves a task's funcType to an operation.
func ParseOp(funcType string) (Op, error) {
	if op, ok := opsByName[funcType]; ok {
		return op, nil
	}
	return 0, fmt.Errorf("%q: %w", funcType, ErrUnsupportedOp)
}

// heavy reports whether the operation gets the long execution budget.
func (op Op) heavy() bool {
	return op == OpFibonacci || op == OpFactorial
}

// ctxCheckInterval is how many loop iterations pass between deadline
// checks in the iterative ops.
const ctxCheckInterval = 1024

func parseOperand(data []byte) (*big.Int, error) {
	s := strings.TrimSpace(string(data))
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("operand %q is not a decimal integer: %w", s, ErrFailed)
	}
	return n, nil
}

func parseCount(data []byte) (uint64, error) {
	s := strings.TrimSpace(string(data))
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("operand %q is not a small non-negative integer: %w", s, ErrFailed)
	}
	return n, nil
}

func opEcho(_ context.Context, data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func opDouble(_ context.Context, data []byte) ([]byte, error) {
	n, err := parseOperand(data)
	if err != nil {
		return nil, err
	}
	n.Lsh(n, 1)
	return []byte(n.String()), nil
}

func opSquare(_ context.Context, data []byte) ([]byte, error) {
	n, err := parseOperand(data)
	if err != nil {
		return nil, err
	}
	n.Mul(n, n)
	return []byte(n.String()), nil
}

func opFibonacci(ctx context.Context, data []byte) ([]byte, error) {
	n, err := parseCount(data)
	if err != nil {
		return nil, err
	}

	a, b := big.NewInt(0), big.NewInt(1)
	for i := uint64(0); i < n; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		a.Add(a, b)
		a, b = b, a
	}
	return []byte(a.String()), nil
}

func opFactorial(ctx context.Context, data []byte) ([]byte, error) {
	n, err := parseCount(data)
	if err != nil {
		return nil, err
	}

	acc := big.NewInt(1)
	mul := new(big.Int)
	for i := uint64(2); i <= n; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		acc.Mul(acc, mul.SetUint64(i))
	}
	return []byte(acc.String()), nil
}

func opIsPrime(_ context.Context, data []byte) ([]byte, error) {
	n, err := parseOperand(data)
	if err != nil {
		return nil, err
	}
	if n.ProbablyPrime(20) {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

func opSHA256(_ context.Context, data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	return []byte(hex.EncodeToString(sum[:])), nil
}

// run dispatches to the operation's handler. The switch is deliberately
// exhaustive over the closed set.
func run(ctx context.Context, op Op, data []byte) ([]byte, error) {
	switch op {
	case OpEcho:
		return opEcho(ctx, data)
	case OpDouble:
		return opDouble(ctx, data)
	case OpSquare:
		return opSquare(ctx, data)
	case OpFibonacci:
		return opFibonacci(ctx, data)
	case OpFactorial:
		return opFactorial(ctx, data)
	case OpIsPrime:
		return opIsPrime(ctx, data)
	case OpSHA256:
		return opSHA256(ctx, data)
	default:
		return nil, fmt.Errorf("%v: %w", op, ErrUnsupportedOp)
	}
}
