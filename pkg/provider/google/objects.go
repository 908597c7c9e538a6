package google

import (
	"strconv"

	admin "google.golang.org/api/admin/directory/v1"

	"github.com/conductorone/tenantsync/pkg/sink"
)

func userObject(u *admin.User) sink.Object {
	name := u.PrimaryEmail
	if u.Name != nil && u.Name.FullName != "" {
		name = u.Name.FullName
	}
	return sink.Object{
		ID:   u.Id,
		Type: sink.TypeUser,
		Name: name,
		Attributes: map[string]string{
			"email":     u.PrimaryEmail,
			"is_admin":  strconv.FormatBool(u.IsAdmin),
			"suspended": strconv.FormatBool(u.Suspended),
			"org_unit":  u.OrgUnitPath,
		},
	}
}

func groupObject(g *admin.Group) sink.Object {
	return sink.Object{
		ID:   g.Id,
		Type: sink.TypeGroup,
		Name: g.Name,
		Attributes: map[string]string{
			"email":         g.Email,
			"direct_member": strconv.FormatInt(g.DirectMembersCount, 10),
		},
	}
}

func memberObject(groupID string, m *admin.Member) sink.Object {
	return sink.Object{
		ID:       groupID + ":" + m.Id,
		Type:     sink.TypeGroupMember,
		ParentID: groupID,
		Attributes: map[string]string{
			"member_id": m.Id,
			"email":     m.Email,
			"role":      m.Role,
			"type":      m.Type,
		},
	}
}
