// Command sigresolve-evaluator is the isolated subprocess a worker execs
// into. It reads one JSON Request per line from stdin, runs the
// configured preprocessor against its Input, and writes one JSON Response
// per line to stdout. It never shares memory with the control process —
// that boundary is what makes a worker crash-isolated per spec.md §4.1.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kestrel-labs/sigresolve/internal/evaluator"
	"github.com/kestrel-labs/sigresolve/internal/worker"
)

func main() {
	preprocessorSrc := evaluator.DefaultPreprocessSource()
	if path := os.Getenv("PREPROCESSOR_SCRIPT"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sigresolve-evaluator: reading PREPROCESSOR_SCRIPT: %v\n", err)
			os.Exit(1)
		}
		preprocessorSrc = string(data)
	}

	in := bufio.NewReaderSize(os.Stdin, 64*1024)
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for {
		line, err := in.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return
			}
			fmt.Fprintf(os.Stderr, "sigresolve-evaluator: read: %v\n", err)
			return
		}

		var req worker.Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			writeError(out, 0, "malformed request envelope", "")
			continue
		}

		output, err := runPreprocess(preprocessorSrc, req.Input)
		if err != nil {
			writeError(out, req.ID, err.Error(), "")
			continue
		}
		writeOutput(out, req.ID, output)
	}
}

// runPreprocess isolates the evaluator.Preprocess call with an additional
// recover: a goja internal bug must never take down the whole process in
// a way that looks like a silent hang to the control plane.
func runPreprocess(preprocessorSrc, input string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return evaluator.Preprocess(preprocessorSrc, input)
}

func writeOutput(out *bufio.Writer, id uint64, output string) {
	writeResponse(out, worker.Response{ID: id, Output: &output})
}

func writeError(out *bufio.Writer, id uint64, message, stack string) {
	writeResponse(out, worker.Response{ID: id, Error: &worker.WireError{Message: message, Stack: stack}})
}

func writeResponse(out *bufio.Writer, resp worker.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sigresolve-evaluator: encode response: %v\n", err)
		return
	}
	data = append(data, '\n')
	if _, err := out.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "sigresolve-evaluator: write: %v\n", err)
		return
	}
	out.Flush()
}
