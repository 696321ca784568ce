package sandboxtest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/isdmx/codechain/sandbox"
)

type result struct {
	stdout   []byte
	stderr   []byte
	exitCode int64
	delay    time.Duration
}

func failure(code int64, format string, args ...any) result {
	return result{stderr: []byte(fmt.Sprintf(format, args...)), exitCode: code}
}

func execute(spec sandbox.ContainerSpec, stdin string) result {
	if len(spec.Cmd) != 2 {
		return failure(127, "unexpected command: %q\n", spec.Cmd)
	}
	runner, target := spec.Cmd[0], spec.Cmd[1]

	switch runner {
	case "javac":
		return compile(spec.HostDir, target)
	case "java":
		source, err := os.ReadFile(filepath.Join(spec.HostDir, target+".class"))
		if err != nil {
			return failure(1, "Error: Could not find or load main class %s\n", target)
		}
		return interpret(string(source), stdin)
	case "python", "node":
		source, err := os.ReadFile(filepath.Join(spec.HostDir, target))
		if err != nil {
			return failure(2, "%s: can't open file %q\n", runner, target)
		}
		return interpret(string(source), stdin)
	default:
		return failure(127, "%s: command not found\n", runner)
	}
}

func compile(hostDir, source string) result {
	code, err := os.ReadFile(filepath.Join(hostDir, source))
	if err != nil {
		return failure(2, "error: file not found: %s\n", source)
	}
	if strings.Contains(string(code), "compile-error") {
		return failure(1, "%s:1: error: ';' expected\n1 error\n", source)
	}
	class := strings.TrimSuffix(source, filepath.Ext(source)) + ".class"
	if err := os.WriteFile(filepath.Join(hostDir, class), code, 0o644); err != nil {
		return failure(1, "error: cannot write %s: %v\n", class, err)
	}
	return result{}
}

func interpret(source, stdin string) result {
	line, _, _ := strings.Cut(strings.TrimSpace(source), "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return result{}
	}

	switch fields[0] {
	case "hello":
		return result{stdout: []byte("Hello World\n")}
	case "echo":
		return result{stdout: []byte(stdin)}
	case "sum", "sum-raw":
		total := 0
		for _, f := range strings.Fields(stdin) {
			n, err := strconv.Atoi(f)
			if err != nil {
				return failure(1, "invalid number %q\n", f)
			}
			total += n
		}
		out := strconv.Itoa(total)
		if fields[0] == "sum" {
			out += "\n"
		}
		return result{stdout: []byte(out)}
	case "sleep":
		if len(fields) < 2 {
			return failure(1, "sleep: missing duration\n")
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil {
			return failure(1, "sleep: %v\n", err)
		}
		return result{stdout: []byte("awake\n"), delay: d}
	case "point":
		return movePoint(fields[1:], stdin)
	case "warn":
		return result{stdout: []byte("ok\n"), stderr: []byte("warning\n")}
	case "exit":
		code := int64(1)
		if len(fields) > 1 {
			if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				code = n
			}
		}
		return failure(code, "exit %d\n", code)
	case "bad-stdout":
		return result{stdout: []byte{0xff, 0xfe, 0xfd}}
	case "bad-stderr":
		return result{stdout: []byte("fine\n"), stderr: []byte{0xc3, 0x28}}
	default:
		return failure(1, "unknown program %q\n", fields[0])
	}
}

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// movePoint applies ops of the form <axis><operator><operand>, where axis is
// x or y and operator one of + - *.
func movePoint(ops []string, stdin string) result {
	var p point
	if err := json.Unmarshal([]byte(stdin), &p); err != nil {
		return failure(1, "invalid point: %v\n", err)
	}
	for _, op := range ops {
		if len(op) < 3 {
			return failure(1, "invalid op %q\n", op)
		}
		operand, err := strconv.Atoi(op[2:])
		if err != nil {
			return failure(1, "invalid op %q\n", op)
		}
		axis := &p.X
		if op[0] == 'y' {
			axis = &p.Y
		}
		switch op[1] {
		case '+':
			*axis += operand
		case '-':
			*axis -= operand
		case '*':
			*axis *= operand
		default:
			return failure(1, "invalid op %q\n", op)
		}
	}
	out, err := json.Marshal(p)
	if err != nil {
		return failure(1, "%v\n", err)
	}
	return result{stdout: append(out, '\n')}
}
