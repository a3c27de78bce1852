// Package cmdtemplate builds the command strings sent to cluster nodes.
//
// Templates use a closed set of placeholders ([Resource], [Device], [Volume],
// [Host], [VGName], [LVName], [Size], [Domain]). [Expand] replaces them with
// shell-quoted values and refuses unknown placeholders or missing values.
//
// The builders cover the tools the console drives: drbdadm ([DRBD]),
// Pacemaker ([CIBQuery], [CRMResource]), LVM ([LVCreate], [LVRemove],
// [LVResize]) and libvirt ([Virsh]). drbdadm commands keep the executor's
// dry-run tokens, for example:
//
//	cmd, _ := cmdtemplate.DRBD(cmdtemplate.DRBDUp, "r0", "")
//	// "drbdadm @DRYRUN@ @DRYRUNCONF@ up r0"
//
// The executor removes the tokens for a normal run and replaces them with
// "-d -c <path>" for a dry run.
package cmdtemplate
