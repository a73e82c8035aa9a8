package isa

import "fmt"

func validateDeps(instructions []Instruction) error {
	for _, instr := range instructions {
		for _, dep := range instr.Deps {
			if dep >= instr.InstructionID {
				return fmt.Errorf("isa: instruction %d depends on %d, which is not strictly earlier in program order", instr.InstructionID, dep)
			}
		}
	}
	return nil
}
