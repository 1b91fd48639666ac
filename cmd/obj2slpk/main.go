// Command obj2slpk prints usage only. spec.md §9 notes that the original
// codebase carries an obj2slpk example whose main() only prints usage,
// and explicitly says not to infer a functional OBJ importer on top of
// it, so this mirrors that shape exactly.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) != 5 {
		fmt.Println("Usage:")
		fmt.Println("obj2slpk <full_res_obj> <lod1_obj> <lod2_obj> <output_slpk_file>")
		os.Exit(1)
	}
}
