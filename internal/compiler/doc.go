// Package compiler turns a validated DSL document into a self-contained HTML
// page. Output is deterministic: identical documents compile to identical
// bytes, which keeps content hashes and cached renders stable.
package compiler
