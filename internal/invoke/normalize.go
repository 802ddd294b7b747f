package invoke

import (
	"fmt"
	"log"
	"math"
)

const malformedPrefix = "malformed response: "

// Normalize makes resp satisfy the response contract for req whatever the
// transport returned: ids are filled in, exactly one of Output and Error is
// set, and contract violations become transport errors.
func Normalize(req Request, resp Response) Response {
	if resp.RequestID == "" {
		resp.RequestID = req.ID
	}
	if resp.WorkerName == "" {
		resp.WorkerName = req.WorkerName
	}
	if resp.RequestID != req.ID {
		return malformed(req, fmt.Sprintf("request id %q does not match %q", resp.RequestID, req.ID))
	}

	switch resp.Status {
	case StatusSuccess:
		if resp.Output == nil {
			return malformed(req, "success without output")
		}
		resp.Error = nil
		if c := resp.Output.Confidence; c != nil && (math.IsNaN(*c) || *c < 0 || *c > 1) {
			log.Printf("invoke: %s returned confidence %v outside [0,1], dropping it", req.WorkerName, *c)
			out := *resp.Output
			out.Confidence = nil
			resp.Output = &out
		}
	case StatusError:
		resp.Output = nil
		if resp.Error == nil {
			return malformed(req, "error status without error detail")
		}
		if resp.Error.Kind == "" {
			e := *resp.Error
			e.Kind = KindTransport
			resp.Error = &e
		}
	default:
		return malformed(req, fmt.Sprintf("unknown status %q", resp.Status))
	}
	return resp
}

func malformed(req Request, detail string) Response {
	return Failure(req, KindTransport, malformedPrefix+detail)
}
