package shell

import (
	"reflect"
	"testing"

	"github.com/spf13/cobra"
)

func testRoot() *cobra.Command {
	root := &cobra.Command{Use: "sheetkit"}
	wb := &cobra.Command{Use: "workbook"}
	export := &cobra.Command{Use: "export"}
	export.Flags().String("as", "", "")
	wb.AddCommand(export, &cobra.Command{Use: "classify"})
	root.AddCommand(wb, &cobra.Command{Use: "version"}, NewCommand())
	return root
}

func TestCommandTree(t *testing.T) {
	tree := commandTree(testRoot())
	want := map[string][]string{
		"workbook": {"classify", "export"},
		"version":  nil,
	}
	if !reflect.DeepEqual(tree, want) {
		t.Errorf("commandTree = %v, want %v", tree, want)
	}
}

func TestActsAs(t *testing.T) {
	got := actsAs(testRoot())
	if !got["workbook export"] || got["workbook classify"] || len(got) != 1 {
		t.Errorf("actsAs = %v", got)
	}
}
