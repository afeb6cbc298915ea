package core

// prereqStatus is the outcome of a prerequisite check. An unmet status with
// an empty errorKind means a prerequisite flag evaluated to the wrong
// variation; errorKind distinguishes structural failures (cycles, missing
// flags).
type prereqStatus struct {
	met       bool
	errorKind string
}

// checkPrerequisites verifies that every prerequisite of flag evaluates to
// its required variation. The visited set bounds the mutual recursion with
// the evaluator: a flag key seen twice on one path is a dependency cycle and
// fails immediately rather than recursing. Each prerequisite flag has its
// own prerequisites checked first, then is evaluated with the
// prerequisite-free pass so the check never re-enters itself.
func checkPrerequisites(flag Flag, flags map[string]Flag, ctx Context, segments map[string]Segment, visited map[string]struct{}) prereqStatus {
	for _, prereq := range flag.Prerequisites {
		if _, seen := visited[prereq.FlagKey]; seen {
			return prereqStatus{errorKind: ErrorKindPrerequisiteCycle}
		}

		prereqFlag, ok := flags[prereq.FlagKey]
		if !ok {
			return prereqStatus{errorKind: ErrorKindPrerequisiteNotFound}
		}

		next := make(map[string]struct{}, len(visited)+1)
		for key := range visited {
			next[key] = struct{}{}
		}
		next[flag.Key] = struct{}{}

		if status := checkPrerequisites(prereqFlag, flags, ctx, segments, next); !status.met {
			return status
		}

		if result := evaluateForPrerequisite(prereqFlag, ctx, segments); result.VariationID != prereq.VariationID {
			return prereqStatus{}
		}
	}
	return prereqStatus{met: true}
}
