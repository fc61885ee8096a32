package leasestore

import (
	"bytes"
	"reflect"
	"strconv"
	"strings"
)

// diffColumns compares old and new row values column by column and returns
// the "col = $n" fragments (1-indexed, continuing from $1) together with
// their bind arguments, for the column-diff UPDATE of spec.md §4.2: "only
// the columns that actually changed are written, plus a server-assigned
// updated_at".
func diffColumns(old, new_ row) ([]string, []interface{}) {
	var sets []string
	var args []interface{}
	add := func(col string, changed bool, val interface{}) {
		if !changed {
			return
		}
		sets = append(sets, col+" = $"+strconv.Itoa(len(args)+1))
		args = append(args, val)
	}

	add("mac", old.MAC != new_.MAC, new_.MAC)
	add("client_id", !bytes.Equal(old.ClientID, new_.ClientID), new_.ClientID)
	add("expires_at", !old.ExpiresAt.Equal(new_.ExpiresAt), new_.ExpiresAt)
	add("hostname", old.Hostname != new_.Hostname, new_.Hostname)
	add("supplied_hostname", old.SuppliedHostname != new_.SuppliedHostname, new_.SuppliedHostname)
	add("tags", !reflect.DeepEqual([]string(old.Tags), []string(new_.Tags)), new_.Tags)
	add("domain", old.Domain != new_.Domain, new_.Domain)
	add("circuit_id", !bytes.Equal(old.CircuitID, new_.CircuitID), new_.CircuitID)
	add("subscriber_id", !bytes.Equal(old.SubscriberID, new_.SubscriberID), new_.SubscriberID)
	add("remote_id", !bytes.Equal(old.RemoteID, new_.RemoteID), new_.RemoteID)
	add("vendor_class", old.VendorClass != new_.VendorClass, new_.VendorClass)
	add("user_classes", !reflect.DeepEqual([]string(old.UserClasses), []string(new_.UserClasses)), new_.UserClasses)
	add("relay_ip_address", old.RelayIPAddress != new_.RelayIPAddress, new_.RelayIPAddress)
	add("requested_options", !reflect.DeepEqual([]int64(old.RequestedOptions), []int64(new_.RequestedOptions)), new_.RequestedOptions)

	return sets, args
}

func joinSets(sets []string) string {
	return strings.Join(sets, ", ")
}
