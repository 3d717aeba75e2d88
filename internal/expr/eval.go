package expr

import (
	"fmt"
	"math"
	"strconv"
)

// Env binds identifier names to scalar or slice values for evaluation.
type Env map[string]interface{}

var whitelistedFuncs = map[string]bool{
	"abs": true, "min": true, "max": true, "sum": true,
	"len": true, "round": true, "int": true, "float": true,
	"str": true, "bool": true,
}

// Evaluate compiles and runs expression against env, returning its
// boolean result. Any syntax error, unknown identifier, or type
// mismatch is returned as an error carrying the expression text, per
// spec.md §4.4.
func Evaluate(expression string, env Env) (bool, error) {
	n, err := compile(expression)
	if err != nil {
		return false, fmt.Errorf("expression %q: %w", expression, err)
	}
	v, err := n.eval(env)
	if err != nil {
		return false, fmt.Errorf("expression %q: %w", expression, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q: result is not boolean (got %T)", expression, v)
	}
	return b, nil
}

// Validate compiles expression without any environment and reports
// any syntax or structural error without evaluating a real event. It does not guarantee every identifier resolves at
// evaluation time (the event-derived environment is dynamic), but it
// does catch the whitelist-function and grammar violations that are
// knowable at authoring time.
func Validate(expression string) error {
	_, err := compile(expression)
	return err
}

func compile(expression string) (node, error) {
	p, err := newParser(expression)
	if err != nil {
		return nil, err
	}
	return p.parse()
}

func (n unaryNode) eval(env Env) (interface{}, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "not":
		b, err := toBool(v)
		if err != nil {
			return nil, err
		}
		return !b, nil
	case "-":
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return -f, nil
	default:
		return nil, fmt.Errorf("unknown unary operator %q", n.op)
	}
}

func (n binaryNode) eval(env Env) (interface{}, error) {
	switch n.op {
	case "and":
		l, err := n.left.eval(env)
		if err != nil {
			return nil, err
		}
		lb, err := toBool(l)
		if err != nil {
			return nil, err
		}
		if !lb {
			return false, nil
		}
		r, err := n.right.eval(env)
		if err != nil {
			return nil, err
		}
		return toBool(r)
	case "or":
		l, err := n.left.eval(env)
		if err != nil {
			return nil, err
		}
		lb, err := toBool(l)
		if err != nil {
			return nil, err
		}
		if lb {
			return true, nil
		}
		r, err := n.right.eval(env)
		if err != nil {
			return nil, err
		}
		return toBool(r)
	}

	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(l, r), nil
	case "!=":
		return !looseEqual(l, r), nil
	case "<", "<=", ">", ">=":
		lf, err := toFloat(l)
		if err != nil {
			return nil, err
		}
		rf, err := toFloat(r)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		default:
			return lf >= rf, nil
		}
	case "+", "-", "*", "/", "%":
		lf, err := toFloat(l)
		if err != nil {
			return nil, err
		}
		rf, err := toFloat(r)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "+":
			return lf + rf, nil
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		case "/":
			if rf == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return lf / rf, nil
		default:
			if rf == 0 {
				return nil, fmt.Errorf("modulo by zero")
			}
			return math.Mod(lf, rf), nil
		}
	default:
		return nil, fmt.Errorf("unknown operator %q", n.op)
	}
}

func (n callNode) eval(env Env) (interface{}, error) {
	args := make([]interface{}, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch n.name {
	case "abs":
		f, err := arg1Float(n.name, args)
		if err != nil {
			return nil, err
		}
		return math.Abs(f), nil
	case "round":
		f, err := arg1Float(n.name, args)
		if err != nil {
			return nil, err
		}
		return math.Round(f), nil
	case "int":
		f, err := arg1Float(n.name, args)
		if err != nil {
			return nil, err
		}
		return math.Trunc(f), nil
	case "float":
		return arg1Float(n.name, args)
	case "str":
		if len(args) != 1 {
			return nil, fmt.Errorf("str() takes exactly 1 argument")
		}
		return toStringValue(args[0]), nil
	case "bool":
		if len(args) != 1 {
			return nil, fmt.Errorf("bool() takes exactly 1 argument")
		}
		return toBool(args[0])
	case "len":
		if len(args) != 1 {
			return nil, fmt.Errorf("len() takes exactly 1 argument")
		}
		return lengthOf(args[0])
	case "min", "max":
		if len(args) == 0 {
			return nil, fmt.Errorf("%s() requires at least 1 argument", n.name)
		}
		values, err := flattenNumeric(args)
		if err != nil {
			return nil, err
		}
		best := values[0]
		for _, v := range values[1:] {
			if (n.name == "min" && v < best) || (n.name == "max" && v > best) {
				best = v
			}
		}
		return best, nil
	case "sum":
		values, err := flattenNumeric(args)
		if err != nil {
			return nil, err
		}
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total, nil
	default:
		return nil, fmt.Errorf("function %q is not permitted", n.name)
	}
}

func arg1Float(name string, args []interface{}) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s() takes exactly 1 argument", name)
	}
	return toFloat(args[0])
}

func flattenNumeric(args []interface{}) ([]float64, error) {
	var out []float64
	for _, a := range args {
		switch v := a.(type) {
		case []interface{}:
			for _, item := range v {
				f, err := toFloat(item)
				if err != nil {
					return nil, err
				}
				out = append(out, f)
			}
		default:
			f, err := toFloat(a)
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no numeric values to aggregate")
	}
	return out, nil
}

func lengthOf(v interface{}) (float64, error) {
	switch x := v.(type) {
	case string:
		return float64(len(x)), nil
	case []interface{}:
		return float64(len(x)), nil
	case map[string]interface{}:
		return float64(len(x)), nil
	default:
		return 0, fmt.Errorf("len() unsupported for type %T", v)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to a number", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to a number", v)
	}
}

func toBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		return x != 0, nil
	case string:
		return x != "", nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("cannot convert %T to a boolean", v)
	}
}

func toStringValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func looseEqual(a, b interface{}) bool {
	af, aerr := toFloat(a)
	bf, berr := toFloat(b)
	if aerr == nil && berr == nil {
		return af == bf
	}
	return toStringValue(a) == toStringValue(b)
}
