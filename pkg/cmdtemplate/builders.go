package cmdtemplate

import (
	"errors"
	"fmt"

	"gitlab.bluewillows.net/root/drbdmc/pkg/command"
)

// ErrUnknownAction is returned for an action outside a builder's set.
var ErrUnknownAction = errors.New("unknown action")

// DRBDAction is a drbdadm sub-command.
type DRBDAction string

// Supported drbdadm actions.
const (
	DRBDUp           DRBDAction = "up"
	DRBDDown         DRBDAction = "down"
	DRBDConnect      DRBDAction = "connect"
	DRBDDisconnect   DRBDAction = "disconnect"
	DRBDPrimary      DRBDAction = "primary"
	DRBDPrimaryForce DRBDAction = "primary --force"
	DRBDSecondary    DRBDAction = "secondary"
	DRBDAttach       DRBDAction = "attach"
	DRBDDetach       DRBDAction = "detach"
	DRBDAdjust       DRBDAction = "adjust"
	DRBDResize       DRBDAction = "resize"
	DRBDCreateMD     DRBDAction = "create-md --force"
)

var drbdActions = map[DRBDAction]bool{
	DRBDUp: true, DRBDDown: true, DRBDConnect: true, DRBDDisconnect: true,
	DRBDPrimary: true, DRBDPrimaryForce: true, DRBDSecondary: true,
	DRBDAttach: true, DRBDDetach: true, DRBDAdjust: true, DRBDResize: true,
	DRBDCreateMD: true,
}

// DRBD builds a drbdadm command for resource, or for one volume of it when
// volume is set. The command carries the dry-run tokens, so it can be run
// in either mode.
func DRBD(action DRBDAction, resource, volume string) (string, error) {
	if !drbdActions[action] {
		return "", fmt.Errorf("%w: drbdadm %s", ErrUnknownAction, action)
	}

	target := string(Resource)
	vars := Vars{Resource: resource}
	if volume != "" {
		target += "/" + string(Volume)
		vars[Volume] = volume
	}

	tmpl := "drbdadm " + command.DryRunToken + " " + command.DryRunConfigToken + " " + string(action) + " " + target
	return Expand(tmpl, vars)
}

// CIBQuery returns the command that dumps the cluster information base.
func CIBQuery() string {
	return "cibadmin --query"
}

// CRMAction is a crm_resource operation.
type CRMAction string

// Supported crm_resource actions.
const (
	CRMCleanup CRMAction = "cleanup"
	CRMStart   CRMAction = "start"
	CRMStop    CRMAction = "stop"
)

var crmTemplates = map[CRMAction]string{
	CRMCleanup: "crm_resource --cleanup --resource @RESOURCE@",
	CRMStart:   "crm_resource --resource @RESOURCE@ --meta --set-parameter target-role --parameter-value Started",
	CRMStop:    "crm_resource --resource @RESOURCE@ --meta --set-parameter target-role --parameter-value Stopped",
}

// CRMResource builds a crm_resource command for a cluster resource. With
// node set, a cleanup is limited to that node.
func CRMResource(action CRMAction, resource, node string) (string, error) {
	tmpl, ok := crmTemplates[action]
	if !ok {
		return "", fmt.Errorf("%w: crm_resource %s", ErrUnknownAction, action)
	}

	vars := Vars{Resource: resource}
	if node != "" && action == CRMCleanup {
		tmpl += " --node @HOST@"
		vars[Host] = node
	}
	return Expand(tmpl, vars)
}

// LVCreate builds an lvcreate command for a logical volume of size in vg.
func LVCreate(vg, lv, size string) (string, error) {
	return Expand("lvcreate -n @LVNAME@ -L @SIZE@ @VGNAME@", Vars{VGName: vg, LVName: lv, Size: size})
}

// LVRemove builds a forced lvremove command.
func LVRemove(vg, lv string) (string, error) {
	return Expand("lvremove -f @VGNAME@/@LVNAME@", Vars{VGName: vg, LVName: lv})
}

// LVResize builds an lvresize command to the new size.
func LVResize(vg, lv, size string) (string, error) {
	return Expand("lvresize -L @SIZE@ @VGNAME@/@LVNAME@", Vars{VGName: vg, LVName: lv, Size: size})
}

// VirshAction is a virsh domain operation.
type VirshAction string

// Supported virsh actions.
const (
	VirshStart    VirshAction = "start"
	VirshShutdown VirshAction = "shutdown"
	VirshDestroy  VirshAction = "destroy"
)

// Virsh builds a virsh command for a libvirt domain.
func Virsh(action VirshAction, domain string) (string, error) {
	switch action {
	case VirshStart, VirshShutdown, VirshDestroy:
	default:
		return "", fmt.Errorf("%w: virsh %s", ErrUnknownAction, action)
	}
	return Expand("virsh "+string(action)+" @DOMAIN@", Vars{Domain: domain})
}
