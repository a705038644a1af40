// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

var testTools = Tools{
	Samtools:       "/opt/tools/samtools",
	MarkDuplicates: "/opt/tools/bammarkduplicates2",
	VariantCaller:  "/opt/tools/freebayes",
}

func TestParseFormat(t *testing.T) {
	t.Run("empty_is_default", func(t *testing.T) {
		format, err := ParseFormat("")
		if err != nil {
			t.Fatalf("ParseFormat(\"\") = %v", err)
		}
		if format != BAM {
			t.Errorf("format = %q, want BAM", format)
		}
	})

	t.Run("case_insensitive", func(t *testing.T) {
		for _, value := range []string{"sam", "Sam", "SAM"} {
			format, err := ParseFormat(value)
			if err != nil {
				t.Fatalf("ParseFormat(%q) = %v", value, err)
			}
			if format != SAM {
				t.Errorf("ParseFormat(%q) = %q, want SAM", value, format)
			}
		}
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := ParseFormat("FASTQ")
		if !errors.Is(err, ErrUnknownFormat) {
			t.Errorf("ParseFormat(\"FASTQ\") = %v, want ErrUnknownFormat", err)
		}
	})
}

func TestBuildSingleFile(t *testing.T) {
	file := FileRef{DataObject: "20818_1#888.bam", Path: "/data/20818_1#888.bam"}

	t.Run("bam", func(t *testing.T) {
		built, err := Build(Query{Files: []FileRef{file}}, testTools, "")
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		if len(built.Stages) != 1 {
			t.Fatalf("stages = %d, want 1", len(built.Stages))
		}
		stage := built.Stages[0]
		if stage.Title != "alignment-view" {
			t.Errorf("title = %q, want alignment-view", stage.Title)
		}
		if stage.Executable != testTools.Samtools {
			t.Errorf("executable = %q, want %q", stage.Executable, testTools.Samtools)
		}
		want := []string{"view", "-h", "-b", "/data/20818_1#888.bam"}
		if !reflect.DeepEqual(stage.Argv, want) {
			t.Errorf("argv = %v, want %v", stage.Argv, want)
		}
	})

	t.Run("sam_has_no_output_flag", func(t *testing.T) {
		built, err := Build(Query{Files: []FileRef{file}, Format: SAM}, testTools, "")
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		want := []string{"view", "-h", "/data/20818_1#888.bam"}
		if !reflect.DeepEqual(built.Stages[0].Argv, want) {
			t.Errorf("argv = %v, want %v", built.Stages[0].Argv, want)
		}
	})

	t.Run("cram", func(t *testing.T) {
		built, err := Build(Query{Files: []FileRef{file}, Format: CRAM}, testTools, "")
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		want := []string{"view", "-h", "-C", "/data/20818_1#888.bam"}
		if !reflect.DeepEqual(built.Stages[0].Argv, want) {
			t.Errorf("argv = %v, want %v", built.Stages[0].Argv, want)
		}
	})

	t.Run("regions_appended", func(t *testing.T) {
		query := Query{Files: []FileRef{file}, Regions: []string{"chr1:1-100", "chr2"}}
		built, err := Build(query, testTools, "")
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		want := []string{"view", "-h", "-b", "/data/20818_1#888.bam", "chr1:1-100", "chr2"}
		if !reflect.DeepEqual(built.Stages[0].Argv, want) {
			t.Errorf("argv = %v, want %v", built.Stages[0].Argv, want)
		}
	})

	t.Run("missing_path_reads_stdin", func(t *testing.T) {
		query := Query{Files: []FileRef{{DataObject: "x.bam"}}}
		built, err := Build(query, testTools, "")
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		want := []string{"view", "-h", "-b", "-"}
		if !reflect.DeepEqual(built.Stages[0].Argv, want) {
			t.Errorf("argv = %v, want %v", built.Stages[0].Argv, want)
		}
	})

	t.Run("vcf_appends_variant_caller", func(t *testing.T) {
		query := Query{
			Files:     []FileRef{file},
			Format:    VCF,
			Reference: "/refs/hs38.fa",
			Regions:   []string{"chr3:5-50"},
		}
		built, err := Build(query, testTools, "")
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		if len(built.Stages) != 2 {
			t.Fatalf("stages = %d, want 2", len(built.Stages))
		}
		// The view stage emits BAM for the variant caller.
		wantView := []string{"view", "-h", "-b", "/data/20818_1#888.bam", "chr3:5-50"}
		if !reflect.DeepEqual(built.Stages[0].Argv, wantView) {
			t.Errorf("view argv = %v, want %v", built.Stages[0].Argv, wantView)
		}
		varcall := built.Stages[1]
		if varcall.Title != "varcall" {
			t.Errorf("title = %q, want varcall", varcall.Title)
		}
		wantCall := []string{"-c", "-f", "/refs/hs38.fa", "-r", "chr3:5-50"}
		if !reflect.DeepEqual(varcall.Argv, wantCall) {
			t.Errorf("varcall argv = %v, want %v", varcall.Argv, wantCall)
		}
	})

	t.Run("vcf_multiple_regions_no_restriction", func(t *testing.T) {
		query := Query{
			Files:     []FileRef{file},
			Format:    VCF,
			Reference: "/refs/hs38.fa",
			Regions:   []string{"chr1", "chr2"},
		}
		built, err := Build(query, testTools, "")
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		wantCall := []string{"-c", "-f", "/refs/hs38.fa"}
		if !reflect.DeepEqual(built.Stages[1].Argv, wantCall) {
			t.Errorf("varcall argv = %v, want %v", built.Stages[1].Argv, wantCall)
		}
	})

	t.Run("vcf_without_reference", func(t *testing.T) {
		query := Query{Files: []FileRef{file}, Format: VCF}
		_, err := Build(query, testTools, "")
		if !errors.Is(err, ErrMissingReference) {
			t.Errorf("Build() = %v, want ErrMissingReference", err)
		}
	})
}

func TestBuildMerge(t *testing.T) {
	files := []FileRef{
		{DataObject: "a.bam", Path: "/data/a.bam"},
		{DataObject: "b.bam", Path: "/data/b.bam"},
	}

	t.Run("three_stages", func(t *testing.T) {
		built, err := Build(Query{Files: files, Format: SAM}, testTools, "/tmp/req1")
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		if len(built.Stages) != 3 {
			t.Fatalf("stages = %d, want 3", len(built.Stages))
		}

		merge := built.Stages[0]
		if merge.Title != "merge" {
			t.Errorf("title = %q, want merge", merge.Title)
		}
		if merge.Dir != "/tmp/req1" {
			t.Errorf("merge dir = %q, want /tmp/req1", merge.Dir)
		}
		wantMerge := []string{"merge", "-u", "-", "/data/a.bam", "/data/b.bam"}
		if !reflect.DeepEqual(merge.Argv, wantMerge) {
			t.Errorf("merge argv = %v, want %v", merge.Argv, wantMerge)
		}

		markdup := built.Stages[1]
		if markdup.Title != "markdup" {
			t.Errorf("title = %q, want markdup", markdup.Title)
		}
		wantMarkdup := []string{
			"level=0", "verbose=0", "resetdupflag=1",
			"tmpfile=" + filepath.Join("/tmp/req1", "markdup"), "M=/dev/null",
		}
		if !reflect.DeepEqual(markdup.Argv, wantMarkdup) {
			t.Errorf("markdup argv = %v, want %v", markdup.Argv, wantMarkdup)
		}

		// Regions and files were consumed by merge; view reads stdin.
		view := built.Stages[2]
		wantView := []string{"view", "-h", "-"}
		if !reflect.DeepEqual(view.Argv, wantView) {
			t.Errorf("view argv = %v, want %v", view.Argv, wantView)
		}
	})

	t.Run("regions_prefixed", func(t *testing.T) {
		query := Query{Files: files, Regions: []string{"chr1", "chr2:5-10"}}
		built, err := Build(query, testTools, "/tmp/req2")
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		want := []string{"merge", "-u", "-R", "chr1", "-R", "chr2:5-10", "-", "/data/a.bam", "/data/b.bam"}
		if !reflect.DeepEqual(built.Stages[0].Argv, want) {
			t.Errorf("merge argv = %v, want %v", built.Stages[0].Argv, want)
		}
	})

	t.Run("vcf_appends_fourth_stage", func(t *testing.T) {
		query := Query{Files: files, Format: VCF, Reference: "/refs/hs38.fa"}
		built, err := Build(query, testTools, "/tmp/req3")
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		if len(built.Stages) != 4 {
			t.Fatalf("stages = %d, want 4", len(built.Stages))
		}
		if built.Stages[3].Title != "varcall" {
			t.Errorf("last stage = %q, want varcall", built.Stages[3].Title)
		}
		// The intermediate view stage emits BAM for the caller.
		wantView := []string{"view", "-h", "-b", "-"}
		if !reflect.DeepEqual(built.Stages[2].Argv, wantView) {
			t.Errorf("view argv = %v, want %v", built.Stages[2].Argv, wantView)
		}
	})

	t.Run("mixed_formats_rejected", func(t *testing.T) {
		mixed := []FileRef{
			{DataObject: "a.bam", Path: "/data/a.bam"},
			{DataObject: "b.cram", Path: "/data/b.cram"},
		}
		_, err := Build(Query{Files: mixed}, testTools, "/tmp/req4")
		if !errors.Is(err, ErrInconsistentFormat) {
			t.Errorf("Build() = %v, want ErrInconsistentFormat", err)
		}
	})

	t.Run("all_cram_accepted", func(t *testing.T) {
		crams := []FileRef{
			{DataObject: "a.cram", Path: "/data/a.cram"},
			{DataObject: "b.CRAM", Path: "/data/b.cram"},
		}
		if _, err := Build(Query{Files: crams}, testTools, "/tmp/req5"); err != nil {
			t.Errorf("Build() = %v, want nil", err)
		}
	})

	t.Run("missing_temp_dir", func(t *testing.T) {
		_, err := Build(Query{Files: files}, testTools, "")
		if !errors.Is(err, ErrNoTempDir) {
			t.Errorf("Build() = %v, want ErrNoTempDir", err)
		}
	})
}

func TestBuildNoFiles(t *testing.T) {
	_, err := Build(Query{}, testTools, "")
	if !errors.Is(err, ErrNoFiles) {
		t.Errorf("Build() = %v, want ErrNoFiles", err)
	}
}

func TestBuildDeterministic(t *testing.T) {
	query := Query{
		Files:   []FileRef{{DataObject: "x.bam", Path: "/data/x.bam"}},
		Regions: []string{"chr1:1-100"},
	}
	first, err := Build(query, testTools, "")
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	second, err := Build(query, testTools, "")
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("plans differ across identical calls:\n%v\n%v", first, second)
	}
}

func TestBuildDoesNotMutateQuery(t *testing.T) {
	files := []FileRef{
		{DataObject: "a.bam", Path: "/data/a.bam"},
		{DataObject: "b.bam", Path: "/data/b.bam"},
	}
	regions := []string{"chr1"}
	query := Query{Files: files, Regions: regions, Format: SAM}

	if _, err := Build(query, testTools, "/tmp/req"); err != nil {
		t.Fatalf("Build() = %v", err)
	}

	if len(query.Files) != 2 || query.Files[0].Path != "/data/a.bam" {
		t.Errorf("query.Files mutated: %v", query.Files)
	}
	if len(query.Regions) != 1 || query.Regions[0] != "chr1" {
		t.Errorf("query.Regions mutated: %v", query.Regions)
	}
}
