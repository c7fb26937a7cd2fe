package models

// Network describes a candidate subnet reported by discovery.
type Network struct {
	Subnet      string `json:"subnet"`
	Interface   string `json:"interface"`
	IPAddress   string `json:"ip_address"`
	Gateway     string `json:"gateway,omitempty"`
	IsPrimary   bool   `json:"is_primary"`
	TotalIPs    int    `json:"total_ips"`
	Prefix      int    `json:"prefix,omitempty"`
	SubnetMask  string `json:"subnet_mask,omitempty"`
	NetworkType string `json:"network_type,omitempty"`
}

// ScanResult summarizes one full-subnet scan.
type ScanResult struct {
	ID             string          `json:"id"`
	Subnet         string          `json:"subnet"`
	StartedAt      Timestamp       `json:"started_at"`
	EndedAt        Timestamp       `json:"ended_at"`
	Status         string          `json:"status"`
	Total          int             `json:"total"`
	Active         int             `json:"active"`
	Inactive       int             `json:"inactive"`
	PreviouslyUsed int             `json:"previously_used"`
	Reserved       int             `json:"reserved"`
	ScanTime       float64         `json:"scan_time"`
	Error          string          `json:"error,omitempty"`
	Records        []AddressRecord `json:"records,omitempty"`
}

// VMTemplate is a hypervisor template usable for cloning.
type VMTemplate struct {
	VMID        int    `json:"vmid"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
}

// VMRequest describes a VM to provision on an address.
type VMRequest struct {
	IPAddress  string `json:"ip_address"`
	VMName     string `json:"vm_name"`
	Cores      int    `json:"cores"`
	Memory     int    `json:"memory"`
	DiskSize   int    `json:"disk_size"`
	TemplateID *int   `json:"template_id"`
	StartVM    bool   `json:"start_vm"`
	Bridge     string `json:"bridge"`
	Gateway    string `json:"gateway"`
	Nameserver string `json:"nameserver"`
}

// VMCreated is the backend's answer to a successful provisioning call.
type VMCreated struct {
	Success   bool   `json:"success"`
	VMID      int    `json:"vmid"`
	VMName    string `json:"vm_name"`
	IPAddress string `json:"ip_address"`
	Message   string `json:"message"`
}

// HypervisorStatus reports connectivity to the VM host.
type HypervisorStatus struct {
	Connected bool   `json:"connected"`
	Host      string `json:"host,omitempty"`
	Node      string `json:"node,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}
